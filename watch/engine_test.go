package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/provider/localfs"
	"filebridge/transfer"
)

type fakeNotifier struct {
	events chan Notification
	errors chan error
	once   sync.Once
	closed atomic.Bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		events: make(chan Notification, 16),
		errors: make(chan error, 1),
	}
}

func (n *fakeNotifier) Events() <-chan Notification { return n.events }
func (n *fakeNotifier) Errors() <-chan error        { return n.errors }

func (n *fakeNotifier) Close() error {
	n.closed.Store(true)
	return nil
}

func (n *fakeNotifier) stop() {
	n.once.Do(func() { close(n.events) })
}

type countingQueue struct {
	q     *transfer.Queue
	count atomic.Int32
	ops   chan transfer.Op
	// onSubmit runs before the request is queued, with the running count
	onSubmit func(n int32)
}

func (c *countingQueue) Submit(req transfer.Request) (*transfer.Job, error) {
	n := c.count.Add(1)
	if c.onSubmit != nil {
		c.onSubmit(n)
	}
	select {
	case c.ops <- req.Op:
	default:
	}
	return c.q.Submit(req)
}

type watchFixture struct {
	local, remote afero.Fs
	engine        *Engine
	queue         *countingQueue
	notifier      *fakeNotifier
	sink          chan events.Event
}

func newWatchFixture(t *testing.T, remote afero.Fs) *watchFixture {
	t.Helper()
	f := &watchFixture{
		local:    afero.NewMemMapFs(),
		remote:   remote,
		notifier: newFakeNotifier(),
		sink:     make(chan events.Event, 16),
	}
	require.NoError(t, f.local.MkdirAll("/w", 0755))

	b, err := bridge.New(localfs.New("local", f.local), localfs.New("remote", f.remote))
	require.NoError(t, err)

	q := transfer.NewQueue(b, transfer.Options{})
	t.Cleanup(q.Close)
	f.queue = &countingQueue{q: q, ops: make(chan transfer.Op, 16)}

	f.engine = NewEngine(b, f.queue, Options{
		Debounce:   30 * time.Millisecond,
		Tick:       5 * time.Millisecond,
		MaxRetries: 2,
		NewNotifier: func(string) (Notifier, error) {
			return f.notifier, nil
		},
		Sink: events.SinkFunc(func(e events.Event) {
			select {
			case f.sink <- e:
			default:
			}
		}),
	})
	t.Cleanup(f.engine.Close)
	return f
}

func (f *watchFixture) enable(t *testing.T) Registration {
	t.Helper()
	reg, err := f.engine.Register(context.Background(), "/w", "/r")
	require.NoError(t, err)
	assert.Equal(t, Idle, reg.State)
	require.NoError(t, f.engine.Enable(reg.ID))
	return reg
}

func remoteWithRoot(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/r", 0755))
	return fs
}

func TestWatchUploadsChanges(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	reg := f.enable(t)

	require.NoError(t, afero.WriteFile(f.local, "/w/a.txt", []byte("hello"), 0644))
	f.notifier.events <- Notification{Kind: Created, Path: "/w/a.txt"}
	f.notifier.events <- Notification{Kind: Modified, Path: "/w/a.txt"}

	assert.Eventually(t, func() bool {
		data, err := afero.ReadFile(f.remote, "/r/a.txt")
		return err == nil && string(data) == "hello"
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, f.queue.count.Load())

	assert.Eventually(t, func() bool {
		r, _ := f.engine.Get(reg.ID)
		return r.State == Watching && r.Pending == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWatchCreateThenRemoveIsSilent(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	f.enable(t)

	f.notifier.events <- Notification{Kind: Created, Path: "/w/tmp"}
	f.notifier.events <- Notification{Kind: Removed, Path: "/w/tmp"}

	assert.Never(t, func() bool {
		return f.queue.count.Load() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestWatchMoveRenamesRemote(t *testing.T) {
	remote := remoteWithRoot(t)
	require.NoError(t, afero.WriteFile(remote, "/r/old.txt", []byte("data"), 0644))

	f := newWatchFixture(t, remote)
	require.NoError(t, afero.WriteFile(f.local, "/w/new.txt", []byte("data"), 0644))
	f.enable(t)

	f.notifier.events <- Notification{Kind: Moved, Path: "/w/new.txt", From: "/w/old.txt"}

	select {
	case op := <-f.queue.ops:
		assert.Equal(t, transfer.Rename, op)
	case <-time.After(2 * time.Second):
		t.Fatal("no job submitted")
	}
	assert.Eventually(t, func() bool {
		ok, _ := afero.Exists(remote, "/r/new.txt")
		gone, _ := afero.Exists(remote, "/r/old.txt")
		return ok && !gone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRemoveDeletesRemote(t *testing.T) {
	remote := remoteWithRoot(t)
	require.NoError(t, afero.WriteFile(remote, "/r/gone.txt", []byte("x"), 0644))

	f := newWatchFixture(t, remote)
	f.enable(t)
	f.notifier.events <- Notification{Kind: Removed, Path: "/w/gone.txt"}

	assert.Eventually(t, func() bool {
		ok, _ := afero.Exists(remote, "/r/gone.txt")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchDisablesAfterRetries(t *testing.T) {
	remote := remoteWithRoot(t)
	f := newWatchFixture(t, afero.NewReadOnlyFs(remote))
	reg := f.enable(t)

	require.NoError(t, afero.WriteFile(f.local, "/w/a.txt", []byte("hello"), 0644))
	f.notifier.events <- Notification{Kind: Created, Path: "/w/a.txt"}

	select {
	case e := <-f.sink:
		assert.Equal(t, events.WatchError, e.Kind)
		assert.Equal(t, reg.ID, e.Registration)
		assert.Error(t, e.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("registration was not disabled")
	}

	r, ok := f.engine.Get(reg.ID)
	require.True(t, ok)
	assert.Equal(t, Disabled, r.State)
	assert.False(t, r.Enabled)
	assert.NotEmpty(t, r.LastError)
	// one first attempt plus two retries
	assert.EqualValues(t, 3, f.queue.count.Load())
	assert.Eventually(t, f.notifier.closed.Load, time.Second, 5*time.Millisecond)
}

func TestWatchRetriesStayBoundedUnderNewChanges(t *testing.T) {
	remote := remoteWithRoot(t)
	f := newWatchFixture(t, afero.NewReadOnlyFs(remote))
	// the file keeps changing while every upload fails
	f.queue.onSubmit = func(int32) {
		select {
		case f.notifier.events <- Notification{Kind: Modified, Path: "/w/log.txt"}:
		default:
		}
	}
	reg := f.enable(t)

	require.NoError(t, afero.WriteFile(f.local, "/w/log.txt", []byte("line"), 0644))
	f.notifier.events <- Notification{Kind: Modified, Path: "/w/log.txt"}

	select {
	case e := <-f.sink:
		assert.Equal(t, events.WatchError, e.Kind)
		assert.Equal(t, reg.ID, e.Registration)
	case <-time.After(3 * time.Second):
		t.Fatalf("registration kept retrying, %d submits", f.queue.count.Load())
	}

	r, ok := f.engine.Get(reg.ID)
	require.True(t, ok)
	assert.Equal(t, Disabled, r.State)
	assert.EqualValues(t, 3, f.queue.count.Load())
}

func TestDisableInterruptsFlush(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	started, release := make(chan struct{}), make(chan struct{})
	f.queue.onSubmit = func(n int32) {
		if n == 1 {
			close(started)
			<-release
		}
	}
	reg := f.enable(t)

	for _, p := range []string{"/w/a.txt", "/w/b.txt", "/w/c.txt"} {
		require.NoError(t, afero.WriteFile(f.local, p, []byte("x"), 0644))
		f.notifier.events <- Notification{Kind: Created, Path: p}
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not start")
	}
	require.NoError(t, f.engine.Disable(reg.ID))
	close(release)

	assert.Never(t, func() bool {
		return f.queue.count.Load() > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestWatchNotifierStopDisables(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	reg := f.enable(t)

	f.notifier.stop()

	assert.Eventually(t, func() bool {
		r, _ := f.engine.Get(reg.ID)
		return r.State == Disabled
	}, time.Second, 5*time.Millisecond)
}

func TestDisableReturnsToIdle(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	reg := f.enable(t)

	f.notifier.events <- Notification{Kind: Created, Path: "/w/pending"}
	require.NoError(t, f.engine.Disable(reg.ID))

	r, _ := f.engine.Get(reg.ID)
	assert.Equal(t, Idle, r.State)
	assert.Zero(t, r.Pending)
	assert.True(t, f.notifier.closed.Load())

	require.NoError(t, f.engine.Remove(reg.ID))
	assert.Empty(t, f.engine.Registrations())
	assert.ErrorIs(t, f.engine.Enable(reg.ID), ErrUnknownRegistration)
}

func TestRegisterValidation(t *testing.T) {
	remote := remoteWithRoot(t)
	require.NoError(t, afero.WriteFile(remote, "/file", []byte("x"), 0644))
	f := newWatchFixture(t, remote)
	require.NoError(t, f.local.MkdirAll("/w/sub", 0755))
	require.NoError(t, f.local.MkdirAll("/other", 0755))

	_, err := f.engine.Register(context.Background(), "/w", "/file")
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = f.engine.Register(context.Background(), "/missing", "/r")
	assert.ErrorIs(t, err, bridge.ErrNotFound)

	_, err = f.engine.Register(context.Background(), "/w", "/r")
	require.NoError(t, err)

	_, err = f.engine.Register(context.Background(), "/w/sub", "/r")
	assert.ErrorIs(t, err, ErrOverlappingRoots)

	_, err = f.engine.Register(context.Background(), "/other", "/r")
	assert.NoError(t, err)
	assert.Len(t, f.engine.Registrations(), 2)
}

func TestTranslate(t *testing.T) {
	f := newWatchFixture(t, remoteWithRoot(t))
	reg, err := f.engine.Register(context.Background(), "/w", "/r")
	require.NoError(t, err)
	l := &loop{engine: f.engine, reg: f.engine.regs[reg.ID]}

	reqs, err := l.translate(Change{Kind: Moved, Path: "/elsewhere/x", From: "/w/x"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, transfer.Delete, reqs[0].Op)
	assert.Equal(t, "/r/x", reqs[0].Entries[0].Path)

	reqs, err = l.translate(Change{Kind: Moved, Path: "/w/x", From: "/elsewhere/x"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, transfer.Copy, reqs[0].Op)
	assert.Equal(t, "/r/x", reqs[0].Dest)
	assert.True(t, reqs[0].Exact)

	reqs, err = l.translate(Change{Kind: Modified, Path: "/elsewhere/y"})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}
