// Package transfer runs copy, move, delete and rename jobs across the bridge
// on a bounded pool of workers.
package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"filebridge/bridge"
	"filebridge/events"
	"filebridge/logging"
	"filebridge/metrics"
	"filebridge/selection"
)

const (
	DefaultWorkers   = 2
	DefaultChunkSize = 32 * 1024
)

type Options struct {
	// Workers bounds the number of jobs running at once.
	Workers   int
	ChunkSize int
	// Store receives the records of selection items that completed.
	Store *selection.Store
	Sink  events.Sink
}

type Queue struct {
	bridge    *bridge.Bridge
	store     *selection.Store
	sink      events.Sink
	sem       *semaphore.Weighted
	chunkSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool

	log zerolog.Logger
}

func NewQueue(b *bridge.Bridge, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		bridge:    b,
		store:     opts.Store,
		sink:      opts.Sink,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		chunkSize: opts.ChunkSize,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*Job),
		log:       logging.For("transfer"),
	}
}

var ErrQueueClosed = errors.New("transfer queue closed")

// Submit validates req and schedules the job. It performs no I/O, so it is
// safe to call from event loops.
func (q *Queue) Submit(req Request) (*Job, error) {
	items, err := plan(req)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:            uuid.NewString(),
		Op:            req.Op,
		BestEffort:    req.BestEffort,
		IgnoreMissing: req.IgnoreMissing,
		Created:       time.Now(),
		items:         items,
		done:          make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.jobs[job.ID] = job
	q.wg.Add(1)
	q.mu.Unlock()

	q.log.Debug().Str("job", job.ID).Str("op", job.Op.String()).Int("items", len(items)).Msg("job submitted")
	go q.worker(job)
	return job, nil
}

// SubmitSelection transfers every marked entry to its bound directory.
// Entries already held by a running selection job are left out.
func (q *Queue) SubmitSelection(op Op, bestEffort bool) (*Job, error) {
	if q.store == nil {
		return nil, invalid("no selection store")
	}
	recs := q.store.Claim()
	job, err := q.Submit(Request{Op: op, Selection: recs, BestEffort: bestEffort})
	if err != nil {
		q.store.Unclaim(recs...)
		return nil, err
	}
	return job, nil
}

func (q *Queue) worker(job *Job) {
	defer q.wg.Done()
	defer close(job.done)

	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		job.setState(Aborted, bridge.ErrAborted)
		q.finish(job, 0)
		return
	}
	defer q.sem.Release(1)

	metrics.JobStarted()
	defer metrics.JobFinished()

	start := time.Now()
	job.setState(InProgress, nil)
	q.run(q.ctx, job)
	q.finish(job, time.Since(start))
}

// Job looks up a job by id.
func (q *Queue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

// Abort flags the job; it reports false for unknown ids.
func (q *Queue) Abort(id string) bool {
	j, ok := q.Job(id)
	if ok {
		j.Abort()
	}
	return ok
}

// Jobs returns the status of every known job, oldest first.
func (q *Queue) Jobs() []Status {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	q.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Created.Before(jobs[b].Created) })
	st := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		st = append(st, j.Status())
	}
	return st
}

// Prune forgets finished jobs.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs {
		if j.State().Terminal() {
			delete(q.jobs, id)
			n++
		}
	}
	return n
}

// Close aborts every job and waits for the workers to return.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for _, j := range q.jobs {
		j.Abort()
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) finish(job *Job, d time.Duration) {
	st := job.Status()
	metrics.RecordJob(job.Op.String(), st.State.String(), d)

	var released, kept []selection.Record
	job.mu.Lock()
	for _, it := range job.items {
		switch {
		case it.record == nil:
		case it.state == Completed:
			released = append(released, *it.record)
		default:
			kept = append(kept, *it.record)
		}
	}
	job.mu.Unlock()
	if q.store != nil {
		q.store.Release(released...)
		q.store.Unclaim(kept...)
	}

	e := events.Event{
		JobID:     job.ID,
		Op:        job.Op.String(),
		Completed: st.Completed,
		Total:     st.Total,
		Err:       job.Err(),
	}
	if st.State == Completed {
		e.Kind = events.JobCompleted
		q.log.Info().Str("job", job.ID).Str("op", job.Op.String()).Int("items", st.Total).Dur("took", d).Msg("job completed")
	} else {
		e.Kind = events.JobFailed
		q.log.Warn().Str("job", job.ID).Str("op", job.Op.String()).Str("state", st.State.String()).Err(e.Err).Msg("job ended")
	}
	q.sink.Publish(e)
}
