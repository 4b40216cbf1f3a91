package bridge

import (
	"context"
	"errors"
	"fmt"
)

// RemoveStrategy is how a side deletes a directory tree. It is fixed when the
// bridge is built.
type RemoveStrategy int

const (
	// NativeRecursiveRemove hands the whole tree to the provider.
	NativeRecursiveRemove RemoveStrategy = iota
	// EmulatedWalk lists depth-first and removes children before parents.
	EmulatedWalk
	// NoRemove means directories cannot be deleted on this side.
	NoRemove
)

func (r RemoveStrategy) String() string {
	switch r {
	case NativeRecursiveRemove:
		return "native"
	case EmulatedWalk:
		return "emulated-walk"
	default:
		return "none"
	}
}

func strategyFor(caps CapabilitySet) RemoveStrategy {
	switch {
	case caps.Has(CapRecursiveRemove):
		return NativeRecursiveRemove
	case caps.Has(CapList) && caps.Has(CapRemove):
		return EmulatedWalk
	default:
		return NoRemove
	}
}

// Remove deletes path. Directories are always removed recursively. The count
// is the number of entries removed before the first unrecoverable error; a
// native recursive remove counts as one.
func (b *Bridge) Remove(ctx context.Context, s Side, path string) (int, error) {
	e, err := b.Stat(ctx, s, path)
	if err != nil {
		return 0, err
	}
	sd := b.side(s)
	if !e.IsDir() {
		if err := b.removeOne(ctx, sd, path); err != nil {
			return 0, err
		}
		return 1, nil
	}

	switch sd.strategy {
	case NativeRecursiveRemove:
		sd.mu.Lock()
		err := sd.p.RemoveAll(ctx, path)
		sd.mu.Unlock()
		if err != nil {
			return 0, sd.wrap("remove", path, err)
		}
		return 1, nil
	case EmulatedWalk:
		n, err := b.walkRemove(ctx, sd, path)
		if err != nil {
			b.log.Warn().Err(err).Str("side", s.String()).Str("path", path).Int("removed", n).Msg("recursive remove stopped")
		}
		return n, err
	default:
		return 0, &OpError{Op: "remove", Side: s, Path: path, Err: fmt.Errorf("%w: %s", ErrUnsupportedFeature, CapRecursiveRemove)}
	}
}

func (b *Bridge) removeOne(ctx context.Context, sd *side, path string) error {
	if err := sd.check("remove", path, CapRemove); err != nil {
		return err
	}
	sd.mu.Lock()
	err := sd.p.Remove(ctx, path)
	sd.mu.Unlock()
	return sd.wrap("remove", path, err)
}

func (b *Bridge) walkRemove(ctx context.Context, sd *side, dir string) (int, error) {
	entries, err := b.List(ctx, sd.which, dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, &OpError{Op: "remove", Side: sd.which, Path: e.Path, Err: fmt.Errorf("%w: %w", ErrAborted, err)}
		}
		if e.IsDir() {
			n, err := b.walkRemove(ctx, sd, e.Path)
			removed += n
			if err != nil {
				return removed, err
			}
			continue
		}
		err := b.removeOne(ctx, sd, e.Path)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotFound):
			// gone already
		default:
			return removed, err
		}
	}

	if err := b.removeOne(ctx, sd, dir); err != nil && !errors.Is(err, ErrNotFound) {
		return removed, err
	}
	return removed + 1, nil
}
