package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"filebridge/bridge"
	"filebridge/selection"
)

// Op is the kind of work a job performs.
type Op int

const (
	Copy Op = iota
	Move
	SaveAs
	Delete
	Rename
)

var opNames = []string{"copy", "move", "save_as", "delete", "rename"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

func ParseOp(s string) (Op, bool) {
	for i, n := range opNames {
		if n == s {
			return Op(i), true
		}
	}
	return Copy, false
}

func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(b []byte) error {
	op, ok := ParseOp(string(b))
	if !ok {
		return fmt.Errorf("unknown operation %q", b)
	}
	*o = op
	return nil
}

// State applies to both jobs and items.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "pending"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Aborted
}

// Item is one top-level entry of a job. Directories count as one item.
type Item struct {
	Source   bridge.Entry
	DestSide bridge.Side
	Dest     string

	state State
	err   error
	bytes int64

	// intoDir means Dest may name an existing directory to place the
	// source in, which is only known once the job runs.
	intoDir bool
	record  *selection.Record
}

// ItemStatus is a copy of an item's progress.
type ItemStatus struct {
	Source   string      `json:"source"`
	Side     bridge.Side `json:"side"`
	Dest     string      `json:"dest,omitempty"`
	DestSide bridge.Side `json:"destSide"`
	State    State       `json:"state"`
	Bytes    int64       `json:"bytes"`
	Error    string      `json:"error,omitempty"`
}

// Status is a point-in-time view of a job.
type Status struct {
	ID         string       `json:"id"`
	Op         Op           `json:"op"`
	State      State        `json:"state"`
	BestEffort bool         `json:"bestEffort"`
	Completed  int          `json:"completed"`
	Total      int          `json:"total"`
	Items      []ItemStatus `json:"items"`
	Error      string       `json:"error,omitempty"`
	Created    time.Time    `json:"created"`
}

type Job struct {
	ID            string
	Op            Op
	BestEffort    bool
	IgnoreMissing bool
	Created       time.Time

	mu        sync.Mutex
	state     State
	items     []*Item
	completed int
	err       error

	aborted atomic.Bool
	done    chan struct{}
}

// Abort asks the job to stop before its next entry or chunk. Streams already
// open are closed and partial files are left in place.
func (j *Job) Abort() {
	j.aborted.Store(true)
}

func (j *Job) abortRequested() bool {
	return j.aborted.Load()
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job ends and returns its error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := Status{
		ID:         j.ID,
		Op:         j.Op,
		State:      j.state,
		BestEffort: j.BestEffort,
		Completed:  j.completed,
		Total:      len(j.items),
		Items:      make([]ItemStatus, 0, len(j.items)),
		Created:    j.Created,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	for _, it := range j.items {
		is := ItemStatus{
			Source:   it.Source.Path,
			Side:     it.Source.Side,
			Dest:     it.Dest,
			DestSide: it.DestSide,
			State:    it.state,
			Bytes:    it.bytes,
		}
		if it.err != nil {
			is.Error = it.err.Error()
		}
		st.Items = append(st.Items, is)
	}
	return st
}

func (j *Job) setState(s State, err error) {
	j.mu.Lock()
	j.state = s
	j.err = err
	j.mu.Unlock()
}

func (j *Job) setItem(it *Item, s State, err error) {
	j.mu.Lock()
	it.state = s
	it.err = err
	if s == Completed {
		j.completed++
	}
	j.mu.Unlock()
}

// setDest resolves the final destination of it. Only the worker running the
// item writes Dest.
func (j *Job) setDest(it *Item, dest string) {
	j.mu.Lock()
	it.Dest = dest
	j.mu.Unlock()
}

func (j *Job) addBytes(it *Item, n int64) {
	j.mu.Lock()
	it.bytes += n
	j.mu.Unlock()
}

func (j *Job) progress() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed, len(j.items)
}

// ItemError is one failed entry of a best-effort job.
type ItemError struct {
	Path string
	Err  error
}

// PartialFailureError lists the entries a best-effort job could not handle.
type PartialFailureError struct {
	Total    int
	Failures []ItemError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("%v: %d of %d entries failed: %s",
		bridge.ErrPartialFailure, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool {
	return target == bridge.ErrPartialFailure
}
