package bridge

import (
	"io"
	"sync"
)

// lockedReader takes the side lock for every call so that a serialized
// remote connection can interleave one job's reads with another's writes.
type lockedReader struct {
	r  io.ReadCloser
	mu sync.Locker
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

func (l *lockedReader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Close()
}

type lockedWriter struct {
	w  io.WriteCloser
	mu sync.Locker
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
