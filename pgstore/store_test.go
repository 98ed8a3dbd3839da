package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/eventway/internal/storetest"
	"github.com/kode4food/eventway/pgstore"
)

const dsnEnv = "EVENTWAY_POSTGRES_DSN"

// openStore connects to the database named by EVENTWAY_POSTGRES_DSN using a
// fresh schema that is dropped when the test ends
func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	ctx := context.Background()
	schema := "eventway_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	store, err := pgstore.Open(ctx, pgstore.Config{DSN: dsn, Schema: schema})
	require.NoError(t, err)
	t.Cleanup(func() {
		ident := pgx.Identifier{schema}.Sanitize()
		_, _ = store.Pool().Exec(ctx,
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident),
		)
		_ = store.Close()
	})
	return store
}

func TestEventRepository(t *testing.T) {
	storetest.EventRepository(t, openStore(t))
}

func TestSnapshotRepository(t *testing.T) {
	storetest.SnapshotRepository(t, openStore(t))
}

func TestMetadataRepository(t *testing.T) {
	storetest.MetadataRepository(t, openStore(t))
}

func TestQueryModelRepository(t *testing.T) {
	storetest.QueryModelRepository(t, openStore(t))
}

func TestOpenBadDSN(t *testing.T) {
	_, err := pgstore.Open(context.Background(), pgstore.Config{
		DSN: "postgres://%zz",
	})
	assert.Error(t, err)
}
