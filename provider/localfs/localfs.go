// Package localfs provides a bridge provider backed by an afero filesystem.
// The OS filesystem is used in production; tests use afero.NewMemMapFs.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"

	"filebridge/bridge"
)

type fileSystem struct {
	fs afero.Fs
}

// New wraps fs. Symlink is advertised only when fs implements afero.Linker.
func New(name string, fs afero.Fs) *bridge.Provider {
	l := &fileSystem{fs: fs}

	caps := bridge.AllCapabilities.With(bridge.CapMultiConnection)
	if _, ok := fs.(afero.Linker); !ok {
		caps = caps.Without(bridge.CapSymlink)
	}

	return &bridge.Provider{
		Name:           name,
		Caps:           caps,
		List:           l.list,
		Stat:           l.stat,
		OpenRead:       l.openRead,
		OpenWrite:      l.openWrite,
		MakeDir:        l.makeDir,
		Remove:         l.remove,
		RemoveAll:      l.removeAll,
		Rename:         l.rename,
		Symlink:        l.symlink,
		SetPermissions: l.setPermissions,
	}
}

// NewOS is the provider for the machine the service runs on.
func NewOS() *bridge.Provider {
	return New("local", afero.NewOsFs())
}

// NewDir serves a directory of the local machine as if it were a remote
// root. Paths are slash separated and relative to root.
func NewDir(root string) *bridge.Provider {
	p := New("dir:"+root, afero.NewBasePathFs(afero.NewOsFs(), root))
	return p.Restrict(bridge.CapSymlink)
}

func (l *fileSystem) lstat(path string) (os.FileInfo, error) {
	if ls, ok := l.fs.(afero.Lstater); ok {
		info, _, err := ls.LstatIfPossible(path)
		return info, err
	}
	return l.fs.Stat(path)
}

func (l *fileSystem) toEntry(path string, info os.FileInfo) bridge.Entry {
	e := bridge.EntryFromInfo(bridge.Local, path, info)
	if e.Kind == bridge.KindSymlink {
		if lr, ok := l.fs.(afero.LinkReader); ok {
			e.LinkTarget, _ = lr.ReadlinkIfPossible(path)
		}
	}
	return e
}

func (l *fileSystem) list(ctx context.Context, dir string) ([]bridge.Entry, error) {
	infos, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return nil, err
	}

	entries := make([]bridge.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, l.toEntry(filepath.Join(dir, info.Name()), info))
	}
	return entries, nil
}

func (l *fileSystem) stat(ctx context.Context, path string) (bridge.Entry, error) {
	info, err := l.lstat(path)
	if err != nil {
		return bridge.Entry{}, err
	}
	e := l.toEntry(path, info)
	// afero names the root of a BasePathFs after the base directory
	e.Name = filepath.Base(path)
	return e, nil
}

func (l *fileSystem) openRead(ctx context.Context, path string) (io.ReadCloser, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.EISDIR}
	}
	return l.fs.Open(path)
}

func (l *fileSystem) openWrite(ctx context.Context, path string, mode os.FileMode) (io.WriteCloser, error) {
	if mode == 0 {
		mode = 0644
	}
	return l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
}

func (l *fileSystem) makeDir(ctx context.Context, path string) error {
	return l.fs.Mkdir(path, 0755)
}

// remove deletes a file or an empty directory.
func (l *fileSystem) remove(ctx context.Context, path string) error {
	info, err := l.lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		children, err := afero.ReadDir(l.fs, path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return &os.PathError{Op: "remove", Path: path, Err: syscall.ENOTEMPTY}
		}
	}
	return l.fs.Remove(path)
}

func (l *fileSystem) removeAll(ctx context.Context, path string) error {
	return l.fs.RemoveAll(path)
}

func (l *fileSystem) rename(ctx context.Context, from, to string) error {
	return l.fs.Rename(from, to)
}

func (l *fileSystem) symlink(ctx context.Context, target, link string) error {
	linker, ok := l.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("%w: symlink", bridge.ErrUnsupportedFeature)
	}
	return linker.SymlinkIfPossible(target, link)
}

func (l *fileSystem) setPermissions(ctx context.Context, path string, mode os.FileMode) error {
	return l.fs.Chmod(path, mode)
}
