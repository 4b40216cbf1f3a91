package transfer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/provider/localfs"
	"filebridge/selection"
	"filebridge/transfer"
	"filebridge/websocket/wstest"
)

type status struct {
	ID    string `json:"id"`
	Op    string `json:"op"`
	State string `json:"state"`
	Total int    `json:"total"`
}

type fixture struct {
	local, remote afero.Fs
	bridge        *bridge.Bridge
	store         *selection.Store
	queue         *transfer.Queue
	service       *TransferService
	rec           *wstest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		local:  afero.NewMemMapFs(),
		remote: afero.NewMemMapFs(),
		store:  selection.New("/", "/"),
		rec:    wstest.NewRecorder(),
	}
	b, err := bridge.New(localfs.New("local", f.local), localfs.New("remote", f.remote))
	require.NoError(t, err)
	f.bridge = b

	bus := events.NewBus(64)
	f.queue = transfer.NewQueue(b, transfer.Options{Store: f.store, Sink: bus})
	f.service = NewService(b, f.queue, bus)
	f.service.Register(f.rec)
	t.Cleanup(func() {
		f.service.Cleanup(nil)
		f.queue.Close()
		bus.Close()
	})
	return f
}

func (f *fixture) send(action, payload string) {
	f.service.HandleTextMessage("req", action, json.RawMessage(payload))
}

func waitEvent(t *testing.T, rec *wstest.Recorder, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var e events.Event
		wstest.Decode(t, rec.Next(t, actionEvent), &e)
		if e.Kind == kind {
			return e
		}
	}
	t.Fatalf("no %s event", kind)
	return events.Event{}
}

func TestCopyStreamsEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.local, "/src/a.txt", []byte("payload"), 0644))
	require.NoError(t, f.remote.MkdirAll("/dst", 0755))

	f.send(actionCopy, `{"entries":[{"side":"local","path":"/src/a.txt"}],"dest":"/dst","destSide":"remote"}`)
	var st status
	wstest.Decode(t, f.rec.Next(t, actionCopy), &st)
	assert.Equal(t, "copy", st.Op)
	assert.Equal(t, 1, st.Total)

	e := waitEvent(t, f.rec, events.JobCompleted)
	assert.Equal(t, st.ID, e.JobID)

	data, err := afero.ReadFile(f.remote, "/dst/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	f.send(actionStatus, `{"job":"`+st.ID+`"}`)
	wstest.Decode(t, f.rec.Next(t, actionStatus), &st)
	assert.Equal(t, "completed", st.State)

	f.send(actionPrune, ``)
	var pr pruneResult
	wstest.Decode(t, f.rec.Next(t, actionPrune), &pr)
	assert.Equal(t, 1, pr.Pruned)
}

func TestSubmitSelection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.remote, "/logs/app.log", []byte("log"), 0644))
	require.NoError(t, f.local.MkdirAll("/backup", 0755))

	f.store.Navigate(bridge.Local, "/backup")
	e, err := f.bridge.Stat(t.Context(), bridge.Remote, "/logs/app.log")
	require.NoError(t, err)
	f.store.Mark(e)

	f.send(actionSelection, `{"op":"move"}`)
	var st status
	wstest.Decode(t, f.rec.Next(t, actionSelection), &st)
	assert.Equal(t, "move", st.Op)
	waitEvent(t, f.rec, events.JobCompleted)

	ok, _ := afero.Exists(f.local, "/backup/app.log")
	assert.True(t, ok)
	gone, _ := afero.Exists(f.remote, "/logs/app.log")
	assert.False(t, gone)
	assert.Zero(t, f.store.Len())
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)

	f.send(actionCopy, `{"entries":[{"side":"local","path":"/missing"}],"dest":"/","destSide":"remote"}`)
	assert.Equal(t, "not_found", f.rec.Next(t, actionCopy).Code)

	require.NoError(t, afero.WriteFile(f.local, "/a", nil, 0644))
	require.NoError(t, afero.WriteFile(f.local, "/b", nil, 0644))
	f.send(actionSaveAs, `{"entries":[{"side":"local","path":"/a"},{"side":"local","path":"/b"}],"dest":"/x","destSide":"remote"}`)
	assert.Equal(t, "invalid_request", f.rec.Next(t, actionSaveAs).Code)

	f.send(actionSelection, `{"op":"copy"}`)
	assert.Equal(t, "invalid_request", f.rec.Next(t, actionSelection).Code)

	f.send(actionAbort, `{"job":"nope"}`)
	assert.Contains(t, f.rec.Next(t, actionAbort).Error, "unknown job")
}
