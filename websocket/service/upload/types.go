package upload

import (
	"context"
	"hash"
	"io"
	"sync"

	"filebridge/bridge"
)

type uploadSession struct {
	side   bridge.Side
	dest   string
	policy string
	hasher hash.Hash

	// path of the file being written
	current string
	written int64
	file    io.WriteCloser
	sync.Mutex
}

// uploadBackend is one side of the bridge seen by an upload session.
type uploadBackend interface {
	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) bool
	DeletePath(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	OpenFile(ctx context.Context, path string) (io.WriteCloser, error)
	Join(elem ...string) string
	Dir(path string) string
}

type bridgeBackend struct {
	b    *bridge.Bridge
	side bridge.Side
}

func (bb bridgeBackend) Exists(ctx context.Context, path string) (bool, error) {
	return bb.b.Exists(ctx, bb.side, path)
}

func (bb bridgeBackend) IsDir(ctx context.Context, path string) bool {
	e, err := bb.b.Stat(ctx, bb.side, path)
	return err == nil && e.IsDir()
}

func (bb bridgeBackend) DeletePath(ctx context.Context, path string) error {
	_, err := bb.b.Remove(ctx, bb.side, path)
	return err
}

func (bb bridgeBackend) MkdirAll(ctx context.Context, path string) error {
	return bb.b.MakeDirAll(ctx, bb.side, path)
}

func (bb bridgeBackend) OpenFile(ctx context.Context, path string) (io.WriteCloser, error) {
	return bb.b.OpenWrite(ctx, bb.side, path, 0644)
}

func (bb bridgeBackend) Join(elem ...string) string {
	return bb.side.Join(elem...)
}

func (bb bridgeBackend) Dir(path string) string {
	return bb.side.Dir(path)
}
