package watch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/provider/localfs"
	"filebridge/transfer"
	"filebridge/watch"
	"filebridge/websocket/wstest"
)

type idleNotifier struct {
	events chan watch.Notification
}

func (n *idleNotifier) Events() <-chan watch.Notification { return n.events }
func (n *idleNotifier) Errors() <-chan error               { return nil }
func (n *idleNotifier) Close() error                       { return nil }

type registration struct {
	ID        string `json:"id"`
	LocalRoot string `json:"localRoot"`
	Enabled   bool   `json:"enabled"`
	State     string `json:"state"`
}

func newService(t *testing.T) (*WatchService, *wstest.Recorder, *events.Bus) {
	t.Helper()
	local, remote := afero.NewMemMapFs(), afero.NewMemMapFs()
	require.NoError(t, local.MkdirAll("/proj", 0755))
	require.NoError(t, remote.MkdirAll("/mirror", 0755))

	b, err := bridge.New(localfs.New("local", local), localfs.New("remote", remote))
	require.NoError(t, err)
	bus := events.NewBus(16)
	q := transfer.NewQueue(b, transfer.Options{Sink: bus})
	engine := watch.NewEngine(b, q, watch.Options{
		Sink: bus,
		NewNotifier: func(string) (watch.Notifier, error) {
			return &idleNotifier{events: make(chan watch.Notification)}, nil
		},
	})

	rec := wstest.NewRecorder()
	s := NewService(engine, bus)
	s.Register(rec)
	t.Cleanup(func() {
		s.Cleanup(nil)
		engine.Close()
		q.Close()
		bus.Close()
	})
	return s, rec, bus
}

func TestRegistrationLifecycle(t *testing.T) {
	s, rec, _ := newService(t)
	send := func(action, payload string) {
		s.HandleTextMessage("1", action, json.RawMessage(payload))
	}

	send(actionRegister, `{"local":"/proj","remote":"/mirror","enable":true}`)
	var reg registration
	wstest.Decode(t, rec.Next(t, actionRegister), &reg)
	assert.True(t, reg.Enabled)
	assert.Equal(t, "watching", reg.State)

	send(actionRegister, `{"local":"/proj","remote":"/mirror"}`)
	assert.Equal(t, "invalid_registration", rec.Next(t, actionRegister).Code)

	send(actionDisable, `{"registration":"`+reg.ID+`"}`)
	wstest.Decode(t, rec.Next(t, actionDisable), &reg)
	assert.Equal(t, "idle", reg.State)

	send(actionList, ``)
	var list struct {
		Registrations []registration `json:"registrations"`
	}
	wstest.Decode(t, rec.Next(t, actionList), &list)
	require.Len(t, list.Registrations, 1)
	assert.Equal(t, "/proj", list.Registrations[0].LocalRoot)

	send(actionRemove, `{"registration":"`+reg.ID+`"}`)
	assert.Empty(t, rec.Next(t, actionRemove).Error)

	send(actionEnable, `{"registration":"`+reg.ID+`"}`)
	assert.Equal(t, "unknown_registration", rec.Next(t, actionEnable).Code)
}

func TestForwardsWatchErrors(t *testing.T) {
	_, rec, bus := newService(t)
	bus.Publish(events.Event{Kind: events.WatchError, Registration: "r1", Err: errors.New("remote gone")})

	msg := rec.Next(t, actionError)
	assert.Equal(t, "r1", msg.Id)
	var e events.Event
	wstest.Decode(t, msg, &e)
	assert.Equal(t, "remote gone", e.Error)
}
