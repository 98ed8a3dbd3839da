package eventway_test

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/kode4food/eventway"
)

type (
	userState struct {
		Name   string `json:"name"`
		Logins int    `json:"logins"`
	}

	testUser struct {
		*eventway.Aggregate
		state     userState
		stateErr  error
		unhandled []eventway.Payload
		noState   bool
	}

	UserRegistered struct {
		eventway.DomainEvent
		Name string `json:"name"`
	}

	UserLoggedIn struct {
		eventway.DomainEvent
	}

	UserRenamed struct {
		eventway.DomainEvent
		Name string `json:"name"`
	}

	// AvatarChanged has no applier on testUser
	AvatarChanged struct {
		eventway.DomainEvent
		URL string `json:"url"`
	}

	RegisterUser struct {
		Name string
	}

	LogIn struct{}

	GetName struct{}

	DeleteAccount struct{}
)

const userType eventway.AggregateType = "user"

var errBoom = errors.New("boom")

func (*UserRegistered) EventType() eventway.EventType { return "user_registered" }
func (*UserLoggedIn) EventType() eventway.EventType   { return "user_logged_in" }
func (*UserRenamed) EventType() eventway.EventType    { return "user_renamed" }
func (*AvatarChanged) EventType() eventway.EventType  { return "avatar_changed" }

func (*RegisterUser) CommandType() eventway.CommandType  { return "RegisterUser" }
func (*LogIn) CommandType() eventway.CommandType         { return "LogIn" }
func (*GetName) CommandType() eventway.CommandType       { return "GetName" }
func (*DeleteAccount) CommandType() eventway.CommandType { return "DeleteAccount" }

func newRegistry() *eventway.Registry {
	reg := eventway.NewRegistry()
	eventway.Register[UserRegistered](reg)
	eventway.Register[UserLoggedIn](reg)
	eventway.Register[UserRenamed](reg)
	eventway.Register[AvatarChanged](reg)
	return reg
}

func newTestUser(
	id uuid.UUID, opts ...eventway.AggregateOption,
) *testUser {
	u := &testUser{}
	opts = append([]eventway.AggregateOption{
		eventway.WithSnapshotter(u),
		eventway.WithUnhandled(func(p eventway.Payload) {
			u.unhandled = append(u.unhandled, p)
		}),
	}, opts...)
	u.Aggregate = eventway.NewAggregate(id, userType, opts...)

	eventway.OnCommand(u, func(c *RegisterUser) error {
		u.Publish(&UserRegistered{Name: c.Name})
		return nil
	})
	eventway.OnCommand(u, func(*LogIn) error {
		u.Publish(&UserLoggedIn{})
		return nil
	})
	eventway.OnAsk(u, func(*GetName) (string, error) {
		return u.state.Name, nil
	})

	eventway.OnEvent(u, func(e *UserRegistered) {
		u.state.Name = e.Name
	})
	eventway.OnEvent(u, func(*UserLoggedIn) {
		u.state.Logins++
	})
	eventway.OnEvent(u, func(e *UserRenamed) {
		u.state.Name = e.Name
	})
	return u
}

func (u *testUser) GetState() (json.RawMessage, error) {
	if u.stateErr != nil {
		return nil, u.stateErr
	}
	if u.noState {
		return nil, nil
	}
	return json.Marshal(u.state)
}

func (u *testUser) SetState(data json.RawMessage) error {
	return json.Unmarshal(data, &u.state)
}

func countOffers(ps []eventway.Payload) int {
	n := 0
	for _, p := range ps {
		if _, ok := p.(*eventway.SnapshotOffer); ok {
			n++
		}
	}
	return n
}
