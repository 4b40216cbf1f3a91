package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Provider implements the file operations of one side. It is a record of
// closures plus the capability set it advertises; a closure may be nil only
// when the matching capability is absent.
type Provider struct {
	Name string
	Caps CapabilitySet

	List     func(ctx context.Context, dir string) ([]Entry, error)
	Stat     func(ctx context.Context, path string) (Entry, error)
	OpenRead func(ctx context.Context, path string) (io.ReadCloser, error)
	// OpenWrite creates or truncates path.
	OpenWrite      func(ctx context.Context, path string, mode os.FileMode) (io.WriteCloser, error)
	MakeDir        func(ctx context.Context, path string) error
	Remove         func(ctx context.Context, path string) error
	RemoveAll      func(ctx context.Context, path string) error
	Rename         func(ctx context.Context, from, to string) error
	Symlink        func(ctx context.Context, target, link string) error
	SetPermissions func(ctx context.Context, path string, mode os.FileMode) error

	// Close releases the provider connection. Optional.
	Close func() error
}

// Validate checks that every advertised capability has an implementation.
func (p *Provider) Validate() error {
	missing := []struct {
		c      Capability
		absent bool
	}{
		{CapList, p.List == nil},
		{CapStat, p.Stat == nil},
		{CapReadStream, p.OpenRead == nil},
		{CapWriteStream, p.OpenWrite == nil},
		{CapMakeDir, p.MakeDir == nil},
		{CapRemove, p.Remove == nil},
		{CapRecursiveRemove, p.RemoveAll == nil},
		{CapRename, p.Rename == nil},
		{CapSymlink, p.Symlink == nil},
		{CapSetPermissions, p.SetPermissions == nil},
	}
	for _, m := range missing {
		if p.Caps.Has(m.c) && m.absent {
			return fmt.Errorf("provider %s advertises %s without implementing it", p.Name, m.c)
		}
	}
	return nil
}

// Restrict returns a copy of the provider with the given capabilities withdrawn.
// The closures are kept; the bridge will not call them.
func (p *Provider) Restrict(caps ...Capability) *Provider {
	cp := *p
	cp.Caps = p.Caps.Without(caps...)
	return &cp
}
