package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"filebridge/logging"
)

// Notifier reports changes below one root.
type Notifier interface {
	// Events is closed when the notifier stops.
	Events() <-chan Notification
	Errors() <-chan error
	Close() error
}

// NotifierFactory starts a notifier for root.
type NotifierFactory func(root string) (Notifier, error)

type fsNotifier struct {
	w      *fsnotify.Watcher
	events chan Notification
	errors chan error
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// NewFSNotifier watches root and every directory below it. fsnotify does
// not pair renames, so a rename arrives as Removed for the old name and
// Created for the new one.
func NewFSNotifier(root string) (Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	n := &fsNotifier{
		w:      w,
		events: make(chan Notification, 64),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
		log:    logging.For("notify").With().Str("root", root).Logger(),
	}
	if err := n.addTree(root); err != nil {
		w.Close()
		return nil, err
	}

	go n.run()
	return n, nil
}

func (n *fsNotifier) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished while walking
			if os.IsNotExist(err) && p != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := n.w.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (n *fsNotifier) Events() <-chan Notification { return n.events }

func (n *fsNotifier) Errors() <-chan error { return n.errors }

func (n *fsNotifier) Close() error {
	var err error
	n.once.Do(func() {
		close(n.done)
		err = n.w.Close()
	})
	return err
}

func (n *fsNotifier) run() {
	defer close(n.events)

	for {
		select {
		case ev, ok := <-n.w.Events:
			if !ok {
				return
			}
			n.handle(ev)
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			default:
				n.log.Warn().Err(err).Msg("watcher error dropped")
			}
		case <-n.done:
			return
		}
	}
}

func (n *fsNotifier) handle(ev fsnotify.Event) {
	var kind ChangeKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := n.addTree(ev.Name); err != nil {
				n.log.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
			}
		}
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Removed
	default:
		// chmod only
		return
	}

	select {
	case n.events <- Notification{Kind: kind, Path: ev.Name}:
	case <-n.done:
	}
}
