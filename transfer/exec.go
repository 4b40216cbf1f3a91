package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/metrics"
)

// run drives every item of job and sets the job's final state.
func (q *Queue) run(ctx context.Context, job *Job) {
	var failures []ItemError

	for _, it := range job.items {
		if job.abortRequested() {
			job.setState(Aborted, bridge.ErrAborted)
			return
		}

		job.setItem(it, InProgress, nil)
		err := q.runItem(ctx, job, it)

		switch {
		case err == nil:
			job.setItem(it, Completed, nil)
			metrics.RecordItem(Completed.String())
			done, total := job.progress()
			q.sink.Publish(events.Event{
				Kind:      events.JobProgress,
				JobID:     job.ID,
				Op:        job.Op.String(),
				Completed: done,
				Total:     total,
				Path:      it.Source.Path,
				Bytes:     it.bytes,
			})

		case errors.Is(err, bridge.ErrAborted):
			job.setItem(it, Aborted, err)
			metrics.RecordItem(Aborted.String())
			job.setState(Aborted, err)
			return

		case job.BestEffort && bridge.Recoverable(err):
			job.setItem(it, Failed, err)
			metrics.RecordItem(Failed.String())
			failures = append(failures, ItemError{Path: it.Source.Path, Err: err})
			q.log.Debug().Str("job", job.ID).Str("path", it.Source.Path).Err(err).Msg("entry skipped")

		default:
			job.setItem(it, Failed, err)
			metrics.RecordItem(Failed.String())
			job.setState(Failed, err)
			return
		}
	}

	if len(failures) > 0 {
		job.setState(Failed, &PartialFailureError{Total: len(job.items), Failures: failures})
		return
	}
	job.setState(Completed, nil)
}

func (q *Queue) runItem(ctx context.Context, job *Job, it *Item) error {
	src := it.Source
	err := func() error {
		switch job.Op {
		case Delete:
			_, err := q.bridge.Remove(ctx, src.Side, src.Path)
			return err
		case Rename:
			if it.DestSide != src.Side {
				return fmt.Errorf("%w: rename across sides", bridge.ErrUnsupportedFeature)
			}
			return q.bridge.Rename(ctx, src.Side, src.Path, it.Dest)
		default:
			return q.transferItem(ctx, job, it)
		}
	}()
	if err != nil && job.IgnoreMissing && errors.Is(err, bridge.ErrNotFound) {
		var oe *bridge.OpError
		// only a vanished source is ignorable
		if errors.As(err, &oe) && oe.Side == src.Side && oe.Path == src.Path {
			return nil
		}
	}
	return err
}

// transferItem copies or moves one top-level entry.
func (q *Queue) transferItem(ctx context.Context, job *Job, it *Item) error {
	src, err := q.bridge.Stat(ctx, it.Source.Side, it.Source.Path)
	if err != nil {
		return err
	}

	if it.intoDir {
		if d, err := q.bridge.Stat(ctx, it.DestSide, it.Dest); err == nil && d.IsDir() {
			job.setDest(it, it.DestSide.Join(it.Dest, baseName(src)))
		}
	}

	if job.Op == Move && src.Side == it.DestSide && q.bridge.Capabilities(src.Side).Has(bridge.CapRename) {
		return q.bridge.Rename(ctx, src.Side, src.Path, it.Dest)
	}

	verify := job.Op == Move
	if err := q.copyEntry(ctx, job, it, src, it.Dest, verify); err != nil {
		return err
	}
	if job.Op != Move {
		return nil
	}

	// the destination is verified; a failed source remove leaves both copies
	if _, err := q.bridge.Remove(ctx, src.Side, src.Path); err != nil {
		return fmt.Errorf("failed to remove source after move: %w", err)
	}
	return nil
}

func (q *Queue) copyEntry(ctx context.Context, job *Job, it *Item, src bridge.Entry, dest string, verify bool) error {
	if job.abortRequested() {
		return &bridge.OpError{Op: "copy", Side: src.Side, Path: src.Path, Err: bridge.ErrAborted}
	}

	switch src.Kind {
	case bridge.KindDir:
		if err := q.bridge.MakeDirAll(ctx, it.DestSide, dest); err != nil {
			return err
		}
		children, err := q.bridge.List(ctx, src.Side, src.Path)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := q.copyEntry(ctx, job, it, c, it.DestSide.Join(dest, c.Name), verify); err != nil {
				return err
			}
		}
		return nil

	case bridge.KindSymlink:
		if src.LinkTarget != "" && q.bridge.Capabilities(it.DestSide).Has(bridge.CapSymlink) {
			ok, err := q.bridge.Exists(ctx, it.DestSide, dest)
			if err != nil {
				q.log.Warn().Err(err).Str("path", dest).Msg("failed to check symlink destination")
			}
			if ok {
				if _, err := q.bridge.Remove(ctx, it.DestSide, dest); err != nil {
					return err
				}
			}
			return q.bridge.Symlink(ctx, it.DestSide, src.LinkTarget, dest)
		}
		// copy what the link points to
		fallthrough

	default:
		return q.copyFile(ctx, job, it, src, dest, verify)
	}
}

func (q *Queue) copyFile(ctx context.Context, job *Job, it *Item, src bridge.Entry, dest string, verify bool) error {
	r, err := q.bridge.OpenRead(ctx, src.Side, src.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := q.bridge.OpenWrite(ctx, it.DestSide, dest, src.Mode)
	if err != nil {
		return err
	}

	written, err := q.pump(job, it, src, w, r)
	cerr := w.Close()
	if err != nil {
		return err
	}
	if cerr != nil {
		return &bridge.OpError{Op: "write", Side: it.DestSide, Path: dest, Err: bridge.Classify(cerr)}
	}
	metrics.RecordBytes(direction(src.Side, it.DestSide), written)

	if !verify {
		return nil
	}
	got, err := q.bridge.Stat(ctx, it.DestSide, dest)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", dest, err)
	}
	if got.Size != written {
		return &bridge.OpError{Op: "verify", Side: it.DestSide, Path: dest,
			Err: fmt.Errorf("size %d after writing %d bytes", got.Size, written)}
	}
	return nil
}

// pump streams r into w in chunks, checking for abort between chunks.
func (q *Queue) pump(job *Job, it *Item, src bridge.Entry, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, q.chunkSize)
	var written int64
	for {
		if job.abortRequested() {
			return written, &bridge.OpError{Op: "copy", Side: src.Side, Path: src.Path, Err: bridge.ErrAborted}
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &bridge.OpError{Op: "write", Side: it.DestSide, Path: it.Dest, Err: bridge.Classify(err)}
			}
			written += int64(n)
			job.addBytes(it, int64(n))

			done, total := job.progress()
			q.sink.Publish(events.Event{
				Kind:      events.JobProgress,
				JobID:     job.ID,
				Op:        job.Op.String(),
				Completed: done,
				Total:     total,
				Path:      src.Path,
				Bytes:     written,
				Size:      src.Size,
			})
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &bridge.OpError{Op: "read", Side: src.Side, Path: src.Path, Err: bridge.Classify(rerr)}
		}
	}
}

func direction(from, to bridge.Side) string {
	switch {
	case from == bridge.Local && to == bridge.Remote:
		return "upload"
	case from == bridge.Remote && to == bridge.Local:
		return "download"
	default:
		return to.String()
	}
}
