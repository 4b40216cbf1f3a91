package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/provider/localfs"
	"filebridge/selection"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	hook   func(events.Event)
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ks []events.Kind
	for _, e := range r.events {
		if e.Kind != events.JobProgress {
			ks = append(ks, e.Kind)
		}
	}
	return ks
}

type fixture struct {
	local, remote afero.Fs
	bridge        *bridge.Bridge
	queue         *Queue
	store         *selection.Store
	sink          *recorder
}

func newFixture(t *testing.T, restrictLocal ...bridge.Capability) *fixture {
	t.Helper()
	f := &fixture{
		local:  afero.NewMemMapFs(),
		remote: afero.NewMemMapFs(),
		store:  selection.New("/", "/"),
		sink:   &recorder{},
	}
	b, err := bridge.New(
		localfs.New("local", f.local).Restrict(restrictLocal...),
		localfs.New("remote", f.remote).Restrict(bridge.CapMultiConnection),
	)
	require.NoError(t, err)
	f.bridge = b
	f.queue = NewQueue(b, Options{Workers: 2, ChunkSize: 4, Store: f.store, Sink: f.sink})
	t.Cleanup(f.queue.Close)
	return f
}

func (f *fixture) entry(t *testing.T, side bridge.Side, p string) bridge.Entry {
	t.Helper()
	e, err := f.bridge.Stat(context.Background(), side, p)
	require.NoError(t, err)
	return e
}

func write(t *testing.T, fs afero.Fs, p, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(bridge.Remote.Dir(p), 0755))
	require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0644))
}

func wait(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-job.Done():
	case <-ctx.Done():
		t.Fatal("job did not finish")
	}
	return job.Err()
}

func digest(t *testing.T, fs afero.Fs, p string) [32]byte {
	t.Helper()
	data, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestCopyIntoDirectory(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/src/report.txt", "quarterly numbers")
	require.NoError(t, f.remote.MkdirAll("/inbox", 0755))

	job, err := f.queue.Submit(Request{
		Op:       Copy,
		Entries:  []bridge.Entry{f.entry(t, bridge.Local, "/src/report.txt")},
		Dest:     "/inbox",
		DestSide: bridge.Remote,
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, job))

	data, err := afero.ReadFile(f.remote, "/inbox/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))

	st := job.Status()
	assert.Equal(t, Completed, st.State)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, "/inbox/report.txt", st.Items[0].Dest)
	assert.Equal(t, int64(17), st.Items[0].Bytes)
	assert.Equal(t, []events.Kind{events.JobCompleted}, f.sink.kinds())
}

func TestStatusWhileResolvingDestination(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.MkdirAll("/inbox", 0755))

	var jobs []*Job
	for i := range 20 {
		p := fmt.Sprintf("/src/f%02d.txt", i)
		write(t, f.local, p, "x")
		job, err := f.queue.Submit(Request{
			Op:       Copy,
			Entries:  []bridge.Entry{f.entry(t, bridge.Local, p)},
			Dest:     "/inbox",
			DestSide: bridge.Remote,
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	// readers poll while workers pick final paths
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.queue.Jobs()
			}
		}
	}()

	for i, job := range jobs {
		require.NoError(t, wait(t, job))
		assert.Equal(t, fmt.Sprintf("/inbox/f%02d.txt", i), job.Status().Items[0].Dest)
	}
	close(stop)
	wg.Wait()
}

func TestReuploadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/a/data.bin", "0123456789abcdef")

	req := Request{
		Op:       SaveAs,
		Entries:  []bridge.Entry{f.entry(t, bridge.Local, "/a/data.bin")},
		Dest:     "/b/data.bin",
		DestSide: bridge.Remote,
	}
	require.NoError(t, f.remote.MkdirAll("/b", 0755))

	job, err := f.queue.Submit(req)
	require.NoError(t, err)
	require.NoError(t, wait(t, job))
	first := digest(t, f.remote, "/b/data.bin")

	job, err = f.queue.Submit(req)
	require.NoError(t, err)
	require.NoError(t, wait(t, job))

	info, err := f.remote.Stat("/b/data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(16), info.Size())
	assert.Equal(t, first, digest(t, f.remote, "/b/data.bin"))
	assert.Equal(t, digest(t, f.local, "/a/data.bin"), first)
}

func TestSelectionTransfer(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/home/a.txt", "a")
	write(t, f.local, "/var/b.txt", "b")
	require.NoError(t, f.remote.MkdirAll("/tmp", 0755))
	require.NoError(t, f.remote.MkdirAll("/home", 0755))

	f.store.Navigate(bridge.Remote, "/tmp")
	f.store.Mark(f.entry(t, bridge.Local, "/home/a.txt"))
	f.store.Navigate(bridge.Remote, "/home")
	f.store.Mark(f.entry(t, bridge.Local, "/var/b.txt"))

	job, err := f.queue.SubmitSelection(Copy, false)
	require.NoError(t, err)
	require.NoError(t, wait(t, job))

	for p, want := range map[string]string{"/tmp/a.txt": "a", "/home/b.txt": "b"} {
		data, err := afero.ReadFile(f.remote, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, string(data))
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestSelectionSubmittedTwice(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/home/a.txt", "a")
	require.NoError(t, f.remote.MkdirAll("/tmp", 0755))

	f.store.Navigate(bridge.Remote, "/tmp")
	f.store.Mark(f.entry(t, bridge.Local, "/home/a.txt"))

	first, err := f.queue.SubmitSelection(Move, false)
	require.NoError(t, err)
	_, err = f.queue.SubmitSelection(Move, false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, wait(t, first))
	assert.Len(t, f.queue.Jobs(), 1)
	assert.Equal(t, 0, f.store.Len())
	data, err := afero.ReadFile(f.remote, "/tmp/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestFailedSelectionCanBeRetried(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/home/a.txt", "a")
	require.NoError(t, f.remote.MkdirAll("/tmp", 0755))

	f.store.Navigate(bridge.Remote, "/tmp")
	f.store.Mark(f.entry(t, bridge.Local, "/home/a.txt"))
	require.NoError(t, f.local.Remove("/home/a.txt"))

	job, err := f.queue.SubmitSelection(Copy, false)
	require.NoError(t, err)
	assert.Error(t, wait(t, job))
	assert.Equal(t, 1, f.store.Len())

	write(t, f.local, "/home/a.txt", "a")
	job, err = f.queue.SubmitSelection(Copy, false)
	require.NoError(t, err)
	require.NoError(t, wait(t, job))
	assert.Equal(t, 0, f.store.Len())
}

func TestAbortAfterN(t *testing.T) {
	const total, n = 5, 2
	f := newFixture(t)

	var entries []bridge.Entry
	for i := 0; i < total; i++ {
		p := fmt.Sprintf("/src/f%d.txt", i)
		write(t, f.local, p, "some content longer than a chunk")
		entries = append(entries, f.entry(t, bridge.Local, p))
	}
	require.NoError(t, f.remote.MkdirAll("/dst", 0755))

	f.sink.hook = func(e events.Event) {
		if e.Kind == events.JobProgress && e.Completed == n {
			f.queue.Abort(e.JobID)
		}
	}

	job, err := f.queue.Submit(Request{Op: Copy, Entries: entries, Dest: "/dst", DestSide: bridge.Remote})
	require.NoError(t, err)
	err = wait(t, job)
	assert.ErrorIs(t, err, bridge.ErrAborted)

	st := job.Status()
	assert.Equal(t, Aborted, st.State)
	assert.Equal(t, n, st.Completed)

	infos, err := afero.ReadDir(f.remote, "/dst")
	require.NoError(t, err)
	assert.Len(t, infos, n)
	for i, it := range st.Items {
		if i < n {
			assert.Equal(t, Completed, it.State)
		} else {
			assert.Equal(t, Pending, it.State)
		}
	}
	assert.Equal(t, []events.Kind{events.JobFailed}, f.sink.kinds())
}

func TestBestEffort(t *testing.T) {
	f := newFixture(t)
	write(t, f.local, "/src/ok1.txt", "1")
	write(t, f.local, "/src/ok2.txt", "2")
	require.NoError(t, f.remote.MkdirAll("/dst", 0755))

	entries := []bridge.Entry{
		f.entry(t, bridge.Local, "/src/ok1.txt"),
		{Name: "gone.txt", Path: "/src/gone.txt", Side: bridge.Local},
		f.entry(t, bridge.Local, "/src/ok2.txt"),
	}

	t.Run("collects recoverable errors", func(t *testing.T) {
		job, err := f.queue.Submit(Request{Op: Copy, Entries: entries, Dest: "/dst", DestSide: bridge.Remote, BestEffort: true})
		require.NoError(t, err)
		err = wait(t, job)
		require.ErrorIs(t, err, bridge.ErrPartialFailure)

		var pf *PartialFailureError
		require.ErrorAs(t, err, &pf)
		require.Len(t, pf.Failures, 1)
		assert.Equal(t, "/src/gone.txt", pf.Failures[0].Path)
		assert.ErrorIs(t, pf.Failures[0].Err, bridge.ErrNotFound)

		ok, _ := afero.Exists(f.remote, "/dst/ok2.txt")
		assert.True(t, ok)
		assert.Equal(t, Failed, job.State())
	})

	t.Run("stops at first error otherwise", func(t *testing.T) {
		require.NoError(t, f.remote.RemoveAll("/dst"))
		require.NoError(t, f.remote.MkdirAll("/dst", 0755))

		job, err := f.queue.Submit(Request{Op: Copy, Entries: entries, Dest: "/dst", DestSide: bridge.Remote})
		require.NoError(t, err)
		err = wait(t, job)
		assert.ErrorIs(t, err, bridge.ErrNotFound)

		st := job.Status()
		assert.Equal(t, Failed, st.State)
		assert.Equal(t, Completed, st.Items[0].State)
		assert.Equal(t, Failed, st.Items[1].State)
		assert.Equal(t, Pending, st.Items[2].State)
		ok, _ := afero.Exists(f.remote, "/dst/ok2.txt")
		assert.False(t, ok)
	})
}

func TestMove(t *testing.T) {
	t.Run("cross side removes source after verify", func(t *testing.T) {
		f := newFixture(t)
		write(t, f.local, "/src/tree/a.txt", "aaa")
		write(t, f.local, "/src/tree/sub/b.txt", "bb")

		job, err := f.queue.Submit(Request{
			Op:       Move,
			Entries:  []bridge.Entry{f.entry(t, bridge.Local, "/src/tree")},
			Dest:     "/moved",
			DestSide: bridge.Remote,
			Exact:    true,
		})
		require.NoError(t, err)
		require.NoError(t, wait(t, job))

		data, err := afero.ReadFile(f.remote, "/moved/sub/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "bb", string(data))
		ok, _ := afero.Exists(f.local, "/src/tree")
		assert.False(t, ok)
	})

	t.Run("failed source remove keeps destination", func(t *testing.T) {
		f := newFixture(t, bridge.CapRemove, bridge.CapRecursiveRemove)
		write(t, f.local, "/src/keep.txt", "k")

		job, err := f.queue.Submit(Request{
			Op:       Move,
			Entries:  []bridge.Entry{f.entry(t, bridge.Local, "/src/keep.txt")},
			Dest:     "/keep.txt",
			DestSide: bridge.Remote,
		})
		require.NoError(t, err)
		err = wait(t, job)
		assert.ErrorIs(t, err, bridge.ErrUnsupportedFeature)
		assert.Equal(t, Failed, job.State())

		ok, _ := afero.Exists(f.remote, "/keep.txt")
		assert.True(t, ok)
		ok, _ = afero.Exists(f.local, "/src/keep.txt")
		assert.True(t, ok)
	})

	t.Run("same side uses rename", func(t *testing.T) {
		f := newFixture(t)
		write(t, f.remote, "/x/old.txt", "o")

		job, err := f.queue.Submit(Request{
			Op:       Move,
			Entries:  []bridge.Entry{f.entry(t, bridge.Remote, "/x/old.txt")},
			Dest:     "/x/new.txt",
			DestSide: bridge.Remote,
		})
		require.NoError(t, err)
		require.NoError(t, wait(t, job))

		ok, _ := afero.Exists(f.remote, "/x/old.txt")
		assert.False(t, ok)
		ok, _ = afero.Exists(f.remote, "/x/new.txt")
		assert.True(t, ok)
	})
}

func TestDeleteAndRename(t *testing.T) {
	f := newFixture(t)
	write(t, f.remote, "/d/a.txt", "a")
	write(t, f.remote, "/d/sub/b.txt", "b")

	job, err := f.queue.Submit(Request{
		Op: Delete,
		Entries: []bridge.Entry{
			{Path: "/d", Side: bridge.Remote},
			{Path: "/missing", Side: bridge.Remote},
		},
		IgnoreMissing: true,
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, job))
	ok, _ := afero.Exists(f.remote, "/d")
	assert.False(t, ok)

	write(t, f.remote, "/r/one.txt", "1")
	job, err = f.queue.Submit(Request{
		Op:      Rename,
		Entries: []bridge.Entry{{Path: "/r/one.txt", Side: bridge.Remote}},
		Dest:    "/r/two.txt",
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, job))
	ok, _ = afero.Exists(f.remote, "/r/two.txt")
	assert.True(t, ok)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	e := bridge.Entry{Name: "a", Path: "/a", Side: bridge.Local}

	for name, req := range map[string]Request{
		"empty":            {Op: Copy},
		"no destination":   {Op: Copy, Entries: []bridge.Entry{e}},
		"save as many":     {Op: SaveAs, Entries: []bridge.Entry{e, e}, Dest: "/x"},
		"rename no dest":   {Op: Rename, Entries: []bridge.Entry{e}},
		"delete selection": {Op: Delete, Selection: []selection.Record{{Entry: e}}},
	} {
		_, err := f.queue.Submit(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}

	f.queue.Close()
	_, err := f.queue.Submit(Request{Op: Delete, Entries: []bridge.Entry{e}})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestOpText(t *testing.T) {
	var op Op
	require.NoError(t, op.UnmarshalText([]byte("save_as")))
	assert.Equal(t, SaveAs, op)
	assert.Error(t, op.UnmarshalText([]byte("teleport")))
	assert.Equal(t, "in_progress", InProgress.String())
}
