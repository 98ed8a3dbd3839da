package eventway

import "fmt"

type (
	commandHandler func(Command) (any, error)

	// CommandPtr constrains a command type so handlers can be keyed on it
	CommandPtr[T any] interface {
		*T
		Command
	}
)

// OnCommand registers the handler for command type T. Registering T again
// replaces the earlier handler
func OnCommand[T any, P CommandPtr[T]](r Root, fn func(P) error) {
	typ := P(new(T)).CommandType()
	r.Base().commands[typ] = func(cmd Command) (any, error) {
		c, ok := cmd.(P)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, cmd)
		}
		return nil, fn(c)
	}
}

// OnAsk registers a handler for command type T that returns a result
func OnAsk[T any, R any, P CommandPtr[T]](r Root, fn func(P) (R, error)) {
	typ := P(new(T)).CommandType()
	r.Base().commands[typ] = func(cmd Command) (any, error) {
		c, ok := cmd.(P)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, cmd)
		}
		return fn(c)
	}
}

// OnEvent registers the applier for event type T
func OnEvent[T any, P PayloadPtr[T]](r Root, fn func(P)) {
	typ := P(new(T)).EventType()
	r.Base().appliers[typ] = func(p Payload) {
		if ev, ok := p.(P); ok {
			fn(ev)
		}
	}
}

// Tell dispatches a command to its handler
func (a *Aggregate) Tell(cmd Command) error {
	_, err := a.dispatch(cmd)
	return err
}

// Ask dispatches a command and returns the handler's typed result
func Ask[R any](r Root, cmd Command) (R, error) {
	var zero R
	res, err := r.Base().dispatch(cmd)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	out, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedResult, res)
	}
	return out, nil
}

func (a *Aggregate) dispatch(cmd Command) (any, error) {
	h, ok := a.commands[cmd.CommandType()]
	if !ok {
		return nil, fmt.Errorf(
			"%w: %s on %s", ErrHandlerNotFound, cmd.CommandType(), a.typ,
		)
	}
	return h(cmd)
}
