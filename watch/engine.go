// Package watch mirrors local directory trees to remote paths. Each
// registration debounces notifications per path, coalesces them, and turns
// what is left into transfer jobs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/logging"
	"filebridge/pathmap"
	"filebridge/transfer"
)

const (
	DefaultDebounce   = 5 * time.Second
	DefaultMaxRetries = 3
)

// State of a registration.
type State int

const (
	Idle State = iota
	Watching
	Debouncing
	Disabled
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Debouncing:
		return "debouncing"
	case Disabled:
		return "disabled"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrUnknownRegistration = errors.New("unknown registration")
	ErrOverlappingRoots    = errors.New("registration roots overlap")
	ErrNotDirectory        = errors.New("registration root is not a directory")
)

// Submitter is the part of the transfer queue the engine uses.
type Submitter interface {
	Submit(req transfer.Request) (*transfer.Job, error)
}

type Options struct {
	Debounce   time.Duration
	MaxRetries int
	// Tick is how often pending changes are checked; defaults to a fifth of
	// Debounce.
	Tick        time.Duration
	NewNotifier NotifierFactory
	Sink        events.Sink
}

// Registration is a snapshot of one watched pair.
type Registration struct {
	ID         string `json:"id"`
	LocalRoot  string `json:"localRoot"`
	RemoteRoot string `json:"remoteRoot"`
	Enabled    bool   `json:"enabled"`
	State      State  `json:"state"`
	Pending    int    `json:"pending"`
	LastError  string `json:"lastError,omitempty"`
}

type registration struct {
	id      string
	mapping pathmap.Mapping

	enabled bool
	state   State
	pending int
	lastErr error

	stop chan struct{}
	done chan struct{}
}

func (r *registration) snapshot() Registration {
	reg := Registration{
		ID:         r.id,
		LocalRoot:  r.mapping.LocalRoot,
		RemoteRoot: r.mapping.RemoteRoot,
		Enabled:    r.enabled,
		State:      r.state,
		Pending:    r.pending,
	}
	if r.lastErr != nil {
		reg.LastError = r.lastErr.Error()
	}
	return reg
}

// Engine owns a table of registrations. Nothing is shared between engines.
type Engine struct {
	bridge *bridge.Bridge
	queue  Submitter
	opts   Options

	mu   sync.Mutex
	regs map[string]*registration

	log zerolog.Logger
}

func NewEngine(b *bridge.Bridge, q Submitter, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Tick <= 0 {
		opts.Tick = opts.Debounce / 5
	}
	if opts.NewNotifier == nil {
		opts.NewNotifier = NewFSNotifier
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	return &Engine{
		bridge: b,
		queue:  q,
		opts:   opts,
		regs:   make(map[string]*registration),
		log:    logging.For("watch"),
	}
}

func (e *Engine) requireDir(ctx context.Context, s bridge.Side, p string) error {
	entry, err := e.bridge.Stat(ctx, s, p)
	if err != nil {
		return err
	}
	if !entry.IsDir() {
		return fmt.Errorf("%w: %s %s", ErrNotDirectory, s, p)
	}
	return nil
}

// Register adds a pair in the Idle state. Both roots must be existing
// directories and the local root must not overlap another registration.
func (e *Engine) Register(ctx context.Context, localRoot, remoteRoot string) (Registration, error) {
	m := pathmap.New(localRoot, remoteRoot)
	if err := e.requireDir(ctx, bridge.Local, m.LocalRoot); err != nil {
		return Registration{}, err
	}
	if err := e.requireDir(ctx, bridge.Remote, m.RemoteRoot); err != nil {
		return Registration{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.regs {
		if pathmap.Overlaps(r.mapping.LocalRoot, m.LocalRoot) {
			return Registration{}, fmt.Errorf("%w: %s and %s", ErrOverlappingRoots, r.mapping.LocalRoot, m.LocalRoot)
		}
	}

	r := &registration{id: uuid.NewString(), mapping: m, state: Idle}
	e.regs[r.id] = r
	e.log.Info().Str("id", r.id).Str("local", m.LocalRoot).Str("remote", m.RemoteRoot).Msg("registered")
	return r.snapshot(), nil
}

// Enable starts watching. Enabling a Disabled registration resets it.
func (e *Engine) Enable(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.regs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegistration, id)
	}
	if r.enabled {
		return nil
	}

	n, err := e.opts.NewNotifier(r.mapping.LocalRoot)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.mapping.LocalRoot, err)
	}

	r.enabled = true
	r.state = Watching
	r.pending = 0
	r.lastErr = nil
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	l := &loop{
		engine:  e,
		reg:     r,
		n:       n,
		pending: pendingTable{},
		results: make(chan []flushResult, 1),
		log:     e.log.With().Str("id", r.id).Logger(),
	}
	go l.run(r.stop, r.done)
	return nil
}

// Disable stops watching and drops pending changes. Jobs already submitted
// keep running.
func (e *Engine) Disable(id string) error {
	e.mu.Lock()
	r, ok := e.regs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRegistration, id)
	}
	if !r.enabled {
		e.mu.Unlock()
		return nil
	}
	r.enabled = false
	close(r.stop)
	done := r.done
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	r.state = Idle
	r.pending = 0
	e.mu.Unlock()
	return nil
}

// Remove disables and forgets the registration.
func (e *Engine) Remove(id string) error {
	if err := e.Disable(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.regs, id)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Get(id string) (Registration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.regs[id]
	if !ok {
		return Registration{}, false
	}
	return r.snapshot(), true
}

// Registrations lists every registration ordered by local root.
func (e *Engine) Registrations() []Registration {
	e.mu.Lock()
	regs := make([]Registration, 0, len(e.regs))
	for _, r := range e.regs {
		regs = append(regs, r.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].LocalRoot < regs[j].LocalRoot })
	return regs
}

// Close disables every registration.
func (e *Engine) Close() {
	for _, r := range e.Registrations() {
		_ = e.Disable(r.ID)
	}
}

func (e *Engine) update(r *registration, fn func(r *registration)) {
	e.mu.Lock()
	fn(r)
	e.mu.Unlock()
}
