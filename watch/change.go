package watch

import (
	"time"
)

// ChangeKind classifies a filesystem notification.
type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Removed
	Moved
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "moved"
	}
}

// Notification is what a notifier reports. From is set for Moved only.
type Notification struct {
	Kind ChangeKind
	Path string
	From string
}

// Change is a pending, coalesced notification for one path.
type Change struct {
	Kind     ChangeKind
	Path     string
	From     string
	Time     time.Time
	Attempts int
}

// pendingTable holds at most one change per local path.
type pendingTable map[string]*Change

// add folds n into the table. The latest kind wins except where a sequence
// cancels out or a move follows a fresh create.
func (t pendingTable) add(n Notification, now time.Time) {
	if n.Kind == Moved {
		t.addMove(n, now)
		return
	}

	prev, ok := t[n.Path]
	if !ok {
		t[n.Path] = &Change{Kind: n.Kind, Path: n.Path, Time: now}
		return
	}
	// failed attempts survive coalescing so retries stay bounded
	defer func() {
		if c, ok := t[n.Path]; ok {
			c.Attempts = max(c.Attempts, prev.Attempts)
		}
	}()

	switch {
	case prev.Kind == Created && n.Kind == Removed:
		// never reached the remote
		delete(t, n.Path)
	case prev.Kind == Removed && n.Kind == Created:
		t[n.Path] = &Change{Kind: Modified, Path: n.Path, Time: now}
	case prev.Kind == Created && n.Kind == Modified:
		prev.Time = now
	case prev.Kind == Moved && n.Kind == Removed:
		delete(t, n.Path)
		t.put(Change{Kind: Removed, Path: prev.From, Time: now})
	case prev.Kind == Moved:
		// content changed after the move; upload it fresh
		delete(t, n.Path)
		t.put(Change{Kind: Removed, Path: prev.From, Time: now})
		t[n.Path] = &Change{Kind: Created, Path: n.Path, Time: now}
	default:
		t[n.Path] = &Change{Kind: n.Kind, Path: n.Path, Time: now}
	}
}

func (t pendingTable) addMove(n Notification, now time.Time) {
	prev, ok := t[n.From]
	if ok {
		delete(t, n.From)
	}

	switch {
	case !ok:
		t[n.Path] = &Change{Kind: Moved, Path: n.Path, From: n.From, Time: now}
	case prev.Kind == Created:
		t[n.Path] = &Change{Kind: Created, Path: n.Path, Time: now}
	case prev.Kind == Moved:
		t[n.Path] = &Change{Kind: Moved, Path: n.Path, From: prev.From, Time: now}
	default:
		// modified or removed before the move: the old remote path goes,
		// the new one is uploaded
		t.put(Change{Kind: Removed, Path: n.From, Time: now})
		t[n.Path] = &Change{Kind: Created, Path: n.Path, Time: now}
	}
}

// put stores c unless a change for the same path is already pending.
func (t pendingTable) put(c Change) {
	if _, ok := t[c.Path]; !ok {
		t[c.Path] = &c
	}
}

// due removes and returns the changes last touched before cutoff.
func (t pendingTable) due(cutoff time.Time) []Change {
	var out []Change
	for p, c := range t {
		if !c.Time.After(cutoff) {
			out = append(out, *c)
			delete(t, p)
		}
	}
	return out
}

// rearm puts a failed change back for the next cycle. A newer change for the
// same path that arrived meanwhile wins but inherits the failure count.
func (t pendingTable) rearm(c Change, now time.Time) {
	if cur, ok := t[c.Path]; ok {
		cur.Attempts = max(cur.Attempts, c.Attempts+1)
		return
	}
	c.Attempts++
	c.Time = now
	t[c.Path] = &c
}
