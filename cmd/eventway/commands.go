package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kode4food/eventway"
	"github.com/kode4food/eventway/sqlitestore"
)

type cli struct {
	store      *sqlitestore.Store
	log        *zap.Logger
	dbPath     string
	configPath string
	config     eventway.Config
	verbose    bool
}

const defaultDBPath = "eventway.db"

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "eventway",
		Short:         "Inspect and maintain an eventway store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.dbPath, "db", defaultDBPath, "SQLite database path")
	flags.StringVar(&c.configPath, "config", "", "YAML configuration file")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(c.eventsCmd(), c.projectionsCmd(), c.snapshotsCmd())
	return root
}

func (c *cli) eventsCmd() *cobra.Command {
	var (
		since int64
		limit int
		types []string
	)

	events := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List events in log order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit == 0 {
				limit = c.config.Projection.PageSize
			}
			aggTypes := make([]eventway.AggregateType, len(types))
			for i, t := range types {
				aggTypes[i] = eventway.AggregateType(t)
			}
			evs, err := c.store.GetEvents(cmd.Context(), since, limit, aggTypes...)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), evs)
		},
	}
	list.Flags().Int64Var(&since, "since", 0, "only events after this sequence")
	list.Flags().IntVar(&limit, "limit", 0, "maximum events to show")
	list.Flags().StringSliceVar(&types, "type", nil, "aggregate types to include")

	stream := &cobra.Command{
		Use:   "stream <aggregate-type> <aggregate-id>",
		Short: "Show one aggregate's events with their payloads",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid aggregate id: %w", err)
			}
			evs, err := c.store.GetStream(
				cmd.Context(), eventway.AggregateType(args[0]), id, 0,
			)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range evs {
				_, err := fmt.Fprintf(out, "%d\t%s\t%s\n",
					ev.Version, ev.EventType, ev.Payload,
				)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	head := &cobra.Command{
		Use:   "head",
		Short: "Print the highest sequence in the log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.store.Head(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}

	events.AddCommand(list, stream, head)
	return events
}

func (c *cli) projectionsCmd() *cobra.Command {
	projections := &cobra.Command{
		Use:   "projections",
		Short: "Inspect projection progress",
	}

	offsets := &cobra.Command{
		Use:   "offsets",
		Short: "Show each projection's offset and lag behind the log head",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			head, err := c.store.Head(ctx)
			if err != nil {
				return err
			}
			mds, err := c.store.ListMetadata(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PROJECTION\tOFFSET\tLAG\tUPDATED")
			for _, md := range mds {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
					md.ProjectionID, md.EventOffset, head-md.EventOffset,
					md.Updated.Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	projections.AddCommand(offsets)
	return projections
}

func (c *cli) snapshotsCmd() *cobra.Command {
	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "Maintain stored snapshots",
	}

	compact := &cobra.Command{
		Use:   "compact",
		Short: "Delete every snapshot older than its aggregate's newest one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.store.Compact(cmd.Context())
			if err != nil {
				return err
			}
			c.log.Info("Compacted snapshots", zap.Int64("deleted", n))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshots\n", n)
			return err
		},
	}

	snapshots.AddCommand(compact)
	return snapshots
}

func (c *cli) open(ctx context.Context) error {
	var err error
	c.config = eventway.DefaultConfig()
	if c.configPath != "" {
		if c.config, err = eventway.LoadConfig(c.configPath); err != nil {
			return err
		}
	}

	if c.verbose {
		c.log, err = zap.NewDevelopment()
	} else {
		c.log = zap.NewNop()
	}
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	c.store, err = sqlitestore.Open(ctx, c.dbPath)
	if err != nil {
		return err
	}
	c.log.Debug("Opened store", zap.String("path", c.dbPath))
	return nil
}

func (c *cli) close() error {
	if c.log != nil {
		_ = c.log.Sync()
	}
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func printEvents(out io.Writer, evs []*eventway.Event) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tAGGREGATE\tID\tVERSION\tEVENT\tCREATED")
	for _, ev := range evs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			ev.Sequence, ev.AggregateType, ev.AggregateID, ev.Version,
			ev.EventType, ev.Created.Format(time.RFC3339),
		)
	}
	return w.Flush()
}
