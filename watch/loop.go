package watch

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/metrics"
	"filebridge/transfer"
)

var errNotifierClosed = errors.New("change notifier stopped")

type flushResult struct {
	change Change
	err    error
}

// loop owns the pending table of one enabled registration. It never does
// I/O; flushes run on a separate goroutine, one at a time.
type loop struct {
	engine   *Engine
	reg      *registration
	n        Notifier
	pending  pendingTable
	results  chan []flushResult
	flushing bool
	log      zerolog.Logger
}

func (l *loop) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer l.n.Close()

	ticker := time.NewTicker(l.engine.opts.Tick)
	defer ticker.Stop()

	evs := l.n.Events()
	for {
		select {
		case n, ok := <-evs:
			if !ok {
				l.fail(errNotifierClosed)
				return
			}
			l.pending.add(n, time.Now())
			l.publishState()

		case err := <-l.n.Errors():
			l.log.Warn().Err(err).Msg("notifier error")

		case <-ticker.C:
			if l.flushing {
				continue
			}
			changes := l.pending.due(time.Now().Add(-l.engine.opts.Debounce))
			if len(changes) == 0 {
				continue
			}
			l.flushing = true
			go l.flush(stop, changes)
			l.publishState()

		case results := <-l.results:
			l.flushing = false
			if err := l.settle(results); err != nil {
				l.fail(err)
				return
			}
			l.publishState()

		case <-stop:
			return
		}
	}
}

func (l *loop) publishState() {
	n := len(l.pending)
	l.engine.update(l.reg, func(r *registration) {
		if !r.enabled {
			return
		}
		r.pending = n
		if n > 0 || l.flushing {
			r.state = Debouncing
		} else {
			r.state = Watching
		}
	})
}

// settle re-arms failed changes. It returns an error once a change has used
// up its retries.
func (l *loop) settle(results []flushResult) error {
	now := time.Now()
	ok := true
	for _, res := range results {
		if res.err == nil {
			continue
		}
		ok = false
		c := res.change
		if c.Attempts+1 > l.engine.opts.MaxRetries {
			return fmt.Errorf("%s %s failed after %d attempts: %w", c.Kind, c.Path, c.Attempts+1, res.err)
		}
		l.log.Debug().Err(res.err).Str("path", c.Path).Int("attempt", c.Attempts+1).Msg("change re-armed")
		l.pending.rearm(c, now)
	}
	metrics.RecordWatchFlush(len(results), ok)
	return nil
}

// fail disables the registration and reports why.
func (l *loop) fail(err error) {
	l.pending = pendingTable{}
	l.engine.update(l.reg, func(r *registration) {
		r.enabled = false
		r.state = Disabled
		r.pending = 0
		r.lastErr = err
	})
	metrics.RecordWatchDisabled()
	l.log.Error().Err(err).Msg("registration disabled")
	l.engine.opts.Sink.Publish(events.Event{
		Kind:         events.WatchError,
		Registration: l.reg.id,
		Err:          err,
	})
}

// flushOrder puts removals first and uploads parents before children.
func flushOrder(changes []Change) {
	rank := func(k ChangeKind) int {
		switch k {
		case Removed:
			return 0
		case Moved:
			return 1
		default:
			return 2
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		ri, rj := rank(changes[i].Kind), rank(changes[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return changes[i].Path < changes[j].Path
	})
}

// flush runs one job sequence per change and waits for them. It stops
// between changes once the registration is disabled.
func (l *loop) flush(stop <-chan struct{}, changes []Change) {
	flushOrder(changes)
	results := make([]flushResult, 0, len(changes))
	for _, c := range changes {
		select {
		case <-stop:
			l.log.Debug().Int("skipped", len(changes)-len(results)).Msg("flush interrupted")
			l.results <- results
			return
		default:
		}
		results = append(results, flushResult{change: c, err: l.apply(c)})
	}
	l.results <- results
}

func (l *loop) apply(c Change) error {
	reqs, err := l.translate(c)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		job, err := l.engine.queue.Submit(req)
		if err != nil {
			return err
		}
		<-job.Done()
		if err := job.Err(); err != nil {
			return err
		}
	}
	return nil
}

// translate maps a change to the remote operations that replay it.
func (l *loop) translate(c Change) ([]transfer.Request, error) {
	m := l.reg.mapping
	if !m.Contains(c.Path) {
		// a move out of the tree
		if c.Kind == Moved && m.Contains(c.From) {
			return l.translate(Change{Kind: Removed, Path: c.From})
		}
		return nil, nil
	}
	remote, err := m.ToRemote(c.Path)
	if err != nil {
		return nil, err
	}

	upload := transfer.Request{
		Op:            transfer.Copy,
		Entries:       []bridge.Entry{{Name: bridge.Local.Base(c.Path), Path: c.Path, Side: bridge.Local}},
		Dest:          remote,
		DestSide:      bridge.Remote,
		Exact:         true,
		IgnoreMissing: true,
	}

	switch c.Kind {
	case Created, Modified:
		return []transfer.Request{upload}, nil

	case Removed:
		return []transfer.Request{{
			Op:            transfer.Delete,
			Entries:       []bridge.Entry{{Name: bridge.Remote.Base(remote), Path: remote, Side: bridge.Remote}},
			IgnoreMissing: true,
		}}, nil

	default:
		if !m.Contains(c.From) {
			return []transfer.Request{upload}, nil
		}
		from, err := m.ToRemote(c.From)
		if err != nil {
			return nil, err
		}
		if l.engine.bridge.Capabilities(bridge.Remote).Has(bridge.CapRename) {
			return []transfer.Request{{
				Op:      transfer.Rename,
				Entries: []bridge.Entry{{Name: bridge.Remote.Base(from), Path: from, Side: bridge.Remote}},
				Dest:    remote,
			}}, nil
		}
		return []transfer.Request{{
			Op:            transfer.Delete,
			Entries:       []bridge.Entry{{Name: bridge.Remote.Base(from), Path: from, Side: bridge.Remote}},
			IgnoreMissing: true,
		}, upload}, nil
	}
}
