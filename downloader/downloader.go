// Package downloader streams files out of either side of a bridge. Folders
// are packed into a zip archive on the fly.
package downloader

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"

	"filebridge/bridge"
	"filebridge/metrics"
)

type Downloader struct {
	b *bridge.Bridge
}

func New(b *bridge.Bridge) *Downloader {
	return &Downloader{b: b}
}

func (d *Downloader) Stat(ctx context.Context, side bridge.Side, path string) (bridge.Entry, error) {
	return d.b.Stat(ctx, side, path)
}

// Download opens a file for reading.
func (d *Downloader) Download(ctx context.Context, side bridge.Side, path string) (io.ReadCloser, bridge.Entry, error) {
	e, err := d.b.Stat(ctx, side, path)
	if err != nil {
		return nil, e, err
	}
	if e.IsDir() {
		return nil, e, fmt.Errorf("path is a directory, use DownloadDir instead")
	}
	r, err := d.b.OpenRead(ctx, side, path)
	if err != nil {
		return nil, e, err
	}
	return &countingReader{ReadCloser: r, direction: "download-" + side.String()}, e, nil
}

// DownloadDir streams the tree below path as a zip archive. Walk errors
// surface as read errors on the returned reader.
func (d *Downloader) DownloadDir(ctx context.Context, side bridge.Side, path string) (io.ReadCloser, bridge.Entry, error) {
	e, err := d.b.Stat(ctx, side, path)
	if err != nil {
		return nil, e, err
	}
	if !e.IsDir() {
		return nil, e, fmt.Errorf("path is not a directory")
	}

	pr, pw := io.Pipe()
	go func() {
		zw := zip.NewWriter(pw)
		err := d.zipDir(ctx, zw, side, path, "")
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return pr, e, nil
}

func (d *Downloader) zipDir(ctx context.Context, zw *zip.Writer, side bridge.Side, dir, prefix string) error {
	entries, err := d.b.List(ctx, side, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := prefix + e.Name

		if e.IsDir() {
			if _, err := zw.CreateHeader(header(e, name+"/")); err != nil {
				return fmt.Errorf("failed to create file in zip: %w", err)
			}
			if err := d.zipDir(ctx, zw, side, e.Path, name+"/"); err != nil {
				return err
			}
			continue
		}
		if e.Kind == bridge.KindSymlink {
			continue
		}

		w, err := zw.CreateHeader(header(e, name))
		if err != nil {
			return fmt.Errorf("failed to create file in zip: %w", err)
		}
		if err := d.copyFile(ctx, w, side, e.Path); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) copyFile(ctx context.Context, w io.Writer, side bridge.Side, path string) error {
	r, err := d.b.OpenRead(ctx, side, path)
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	metrics.RecordBytes("download-"+side.String(), n)
	if err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return nil
}

func header(e bridge.Entry, name string) *zip.FileHeader {
	h := &zip.FileHeader{
		Name:     strings.TrimPrefix(name, "/"),
		Modified: e.ModTime,
		Method:   zip.Deflate,
	}
	if e.IsDir() {
		h.Method = zip.Store
	}
	h.SetMode(e.Mode)
	return h
}

type countingReader struct {
	io.ReadCloser
	direction string
	n         int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error {
	metrics.RecordBytes(c.direction, c.n)
	return c.ReadCloser.Close()
}
