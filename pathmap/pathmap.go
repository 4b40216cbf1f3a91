// Package pathmap translates paths between a local root and the remote root
// it is mirrored to.
package pathmap

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path outside root")

// Mapping pairs a local root with a remote root. Local paths use the OS
// separator; remote paths are always slash separated.
type Mapping struct {
	LocalRoot  string
	RemoteRoot string
}

func New(localRoot, remoteRoot string) Mapping {
	return Mapping{
		LocalRoot:  filepath.Clean(localRoot),
		RemoteRoot: path.Clean("/" + remoteRoot),
	}
}

func within(root, p, sep string) bool {
	if p == root {
		return true
	}
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(p, root)
}

// Contains reports whether local is the local root or below it.
func (m Mapping) Contains(local string) bool {
	return within(m.LocalRoot, filepath.Clean(local), string(filepath.Separator))
}

// ContainsRemote reports whether remote is the remote root or below it.
func (m Mapping) ContainsRemote(remote string) bool {
	return within(m.RemoteRoot, path.Clean("/"+remote), "/")
}

func (m Mapping) ToRemote(local string) (string, error) {
	local = filepath.Clean(local)
	if !m.Contains(local) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, local, m.LocalRoot)
	}
	rel, err := filepath.Rel(m.LocalRoot, local)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", local, err)
	}
	return path.Join(m.RemoteRoot, filepath.ToSlash(rel)), nil
}

func (m Mapping) ToLocal(remote string) (string, error) {
	remote = path.Clean("/" + remote)
	if !m.ContainsRemote(remote) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, remote, m.RemoteRoot)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(remote, m.RemoteRoot), "/")
	return filepath.Join(m.LocalRoot, filepath.FromSlash(rel)), nil
}

// Overlaps reports whether one local root contains the other.
func Overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	sep := string(filepath.Separator)
	return within(a, b, sep) || within(b, a, sep)
}
