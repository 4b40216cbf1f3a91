// Package bridge exposes one file-operation surface over a local and a remote
// provider. Every call is checked against the capabilities the provider
// advertises before the provider is touched.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"filebridge/logging"
)

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

type side struct {
	which    Side
	p        *Provider
	mu       sync.Locker
	strategy RemoveStrategy
}

// Bridge is safe for concurrent use.
type Bridge struct {
	sides [2]*side
	log   zerolog.Logger
}

// New validates both providers and picks the lock and delete strategy of
// each side. Remote providers that do not advertise CapMultiConnection are
// serialized behind one mutex.
func New(local, remote *Provider) (*Bridge, error) {
	if local == nil || remote == nil {
		return nil, errors.New("bridge needs both a local and a remote provider")
	}
	b := &Bridge{log: logging.For("bridge")}
	for i, p := range []*Provider{local, remote} {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s := &side{which: Side(i), p: p, mu: nopLocker{}, strategy: strategyFor(p.Caps)}
		if s.which == Remote && !p.Caps.Has(CapMultiConnection) {
			s.mu = &sync.Mutex{}
		}
		b.sides[i] = s
	}
	b.log.Debug().
		Str("local", local.Name).Str("localCaps", local.Caps.String()).
		Str("remote", remote.Name).Str("remoteCaps", remote.Caps.String()).
		Msg("bridge ready")
	return b, nil
}

func (b *Bridge) side(s Side) *side {
	return b.sides[s]
}

// Capabilities returns what the provider of side s advertises.
func (b *Bridge) Capabilities(s Side) CapabilitySet {
	return b.side(s).p.Caps
}

// ProviderName is used for display only.
func (b *Bridge) ProviderName(s Side) string {
	return b.side(s).p.Name
}

// RemoveStrategy reports how directories are deleted on side s.
func (b *Bridge) RemoveStrategy(s Side) RemoveStrategy {
	return b.side(s).strategy
}

func (sd *side) check(op string, path string, c Capability) error {
	if !sd.p.Caps.Has(c) {
		return &OpError{Op: op, Side: sd.which, Path: path, Err: fmt.Errorf("%w: %s", ErrUnsupportedFeature, c)}
	}
	return nil
}

func (sd *side) wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Side: sd.which, Path: path, Err: Classify(err)}
}

func (b *Bridge) List(ctx context.Context, s Side, dir string) ([]Entry, error) {
	sd := b.side(s)
	if err := sd.check("list", dir, CapList); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	entries, err := sd.p.List(ctx, dir)
	sd.mu.Unlock()
	if err != nil {
		return nil, sd.wrap("list", dir, err)
	}
	for i := range entries {
		entries[i].Side = s
	}
	return entries, nil
}

func (b *Bridge) Stat(ctx context.Context, s Side, path string) (Entry, error) {
	sd := b.side(s)
	if err := sd.check("stat", path, CapStat); err != nil {
		return Entry{}, err
	}
	sd.mu.Lock()
	e, err := sd.p.Stat(ctx, path)
	sd.mu.Unlock()
	if err != nil {
		return Entry{}, sd.wrap("stat", path, err)
	}
	e.Side = s
	return e, nil
}

// Exists reports whether path can be stat'ed. Errors other than not-found are
// returned.
func (b *Bridge) Exists(ctx context.Context, s Side, path string) (bool, error) {
	_, err := b.Stat(ctx, s, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (b *Bridge) OpenRead(ctx context.Context, s Side, path string) (io.ReadCloser, error) {
	sd := b.side(s)
	if err := sd.check("open_read", path, CapReadStream); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	r, err := sd.p.OpenRead(ctx, path)
	sd.mu.Unlock()
	if err != nil {
		return nil, sd.wrap("open_read", path, err)
	}
	return &lockedReader{r: r, mu: sd.mu}, nil
}

func (b *Bridge) OpenWrite(ctx context.Context, s Side, path string, mode os.FileMode) (io.WriteCloser, error) {
	sd := b.side(s)
	if err := sd.check("open_write", path, CapWriteStream); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	w, err := sd.p.OpenWrite(ctx, path, mode)
	sd.mu.Unlock()
	if err != nil {
		return nil, sd.wrap("open_write", path, err)
	}
	return &lockedWriter{w: w, mu: sd.mu}, nil
}

func (b *Bridge) MakeDir(ctx context.Context, s Side, path string) error {
	sd := b.side(s)
	if err := sd.check("make_dir", path, CapMakeDir); err != nil {
		return err
	}
	sd.mu.Lock()
	err := sd.p.MakeDir(ctx, path)
	sd.mu.Unlock()
	return sd.wrap("make_dir", path, err)
}

// MakeDirAll creates path and any missing parents, accepting directories
// that already exist.
func (b *Bridge) MakeDirAll(ctx context.Context, s Side, path string) error {
	e, err := b.Stat(ctx, s, path)
	if err == nil {
		if !e.IsDir() {
			return &OpError{Op: "make_dir", Side: s, Path: path, Err: fmt.Errorf("%w: not a directory", ErrAlreadyExists)}
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if parent := s.Dir(path); parent != path {
		if err := b.MakeDirAll(ctx, s, parent); err != nil {
			return err
		}
	}
	err = b.MakeDir(ctx, s, path)
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// Rename moves an entry within one side. Cross-side moves are the transfer
// queue's business.
func (b *Bridge) Rename(ctx context.Context, s Side, from, to string) error {
	sd := b.side(s)
	if err := sd.check("rename", from, CapRename); err != nil {
		return err
	}
	sd.mu.Lock()
	err := sd.p.Rename(ctx, from, to)
	sd.mu.Unlock()
	return sd.wrap("rename", from, err)
}

func (b *Bridge) SetPermissions(ctx context.Context, s Side, path string, mode os.FileMode) error {
	sd := b.side(s)
	if err := sd.check("set_permissions", path, CapSetPermissions); err != nil {
		return err
	}
	sd.mu.Lock()
	err := sd.p.SetPermissions(ctx, path, mode)
	sd.mu.Unlock()
	return sd.wrap("set_permissions", path, err)
}

func (b *Bridge) Symlink(ctx context.Context, s Side, target, link string) error {
	sd := b.side(s)
	if err := sd.check("symlink", link, CapSymlink); err != nil {
		return err
	}
	sd.mu.Lock()
	err := sd.p.Symlink(ctx, target, link)
	sd.mu.Unlock()
	return sd.wrap("symlink", link, err)
}

// Close closes both providers and returns the first error.
func (b *Bridge) Close() error {
	var first error
	for _, sd := range b.sides {
		if sd.p.Close == nil {
			continue
		}
		if err := sd.p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
