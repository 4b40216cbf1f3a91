package bridge

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Side tells which half of the explorer an entry or operation belongs to.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Remote {
		return Local
	}
	return Remote
}

// ParseSide accepts "local" and "remote".
func ParseSide(s string) (Side, bool) {
	switch s {
	case "local":
		return Local, true
	case "remote":
		return Remote, true
	}
	return Local, false
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, ok := ParseSide(string(b))
	if !ok {
		return fmt.Errorf("unknown side %q", b)
	}
	*s = v
	return nil
}

// Join builds a child path with the separator convention of the side.
// Remote paths are always slash separated.
func (s Side) Join(elem ...string) string {
	if s == Remote {
		return path.Join(elem...)
	}
	return filepath.Join(elem...)
}

func (s Side) Base(p string) string {
	if s == Remote {
		return path.Base(p)
	}
	return filepath.Base(p)
}

func (s Side) Dir(p string) string {
	if s == Remote {
		return path.Dir(p)
	}
	return filepath.Dir(p)
}

type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "file"
	}
}

func (k EntryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EntryKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "file":
		*k = KindFile
	case "dir":
		*k = KindDir
	case "symlink":
		*k = KindSymlink
	default:
		return fmt.Errorf("unknown entry kind %q", b)
	}
	return nil
}

// Entry is a snapshot of one filesystem object. It is never updated in place.
type Entry struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Kind       EntryKind   `json:"kind"`
	Size       int64       `json:"size"`
	Mode       os.FileMode `json:"mode"`
	ModTime    time.Time   `json:"modTime"`
	Side       Side        `json:"side"`
	LinkTarget string      `json:"linkTarget,omitempty"`
}

func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// EntryFromInfo converts an os.FileInfo found at p.
func EntryFromInfo(side Side, p string, info os.FileInfo) Entry {
	e := Entry{
		Name:    info.Name(),
		Path:    p,
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
		Side:    side,
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		e.Kind = KindSymlink
	case info.IsDir():
		e.Kind = KindDir
	default:
		e.Kind = KindFile
		e.Size = info.Size()
	}
	return e
}
