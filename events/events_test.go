package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	bus := NewBus(2)

	all := bus.Subscribe()
	jobs := bus.Subscribe(JobCompleted, JobFailed)

	bus.Publish(Event{Kind: JobProgress, JobID: "1"})
	bus.Publish(Event{Kind: JobFailed, JobID: "1", Err: errors.New("boom")})

	e := <-all
	assert.Equal(t, JobProgress, e.Kind)
	assert.False(t, e.Time.IsZero())

	e = <-jobs
	assert.Equal(t, JobFailed, e.Kind)
	assert.Equal(t, "boom", e.Error)

	t.Run("full subscriber drops", func(t *testing.T) {
		// all still holds one event; two more overflow by one
		bus.Publish(Event{Kind: WatchError})
		bus.Publish(Event{Kind: WatchError})
		assert.Equal(t, int64(1), bus.Dropped())
	})

	t.Run("Unsubscribe closes", func(t *testing.T) {
		bus.Unsubscribe(jobs)
		_, ok := <-jobs
		assert.False(t, ok)
	})

	t.Run("Close", func(t *testing.T) {
		bus.Close()
		n := 0
		for range all {
			n++
		}
		assert.Equal(t, 2, n)

		late := bus.Subscribe()
		_, ok := <-late
		require.False(t, ok)
		bus.Publish(Event{Kind: JobProgress})
	})
}

func TestSinkFunc(t *testing.T) {
	var got []Event
	var s Sink = SinkFunc(func(e Event) { got = append(got, e) })
	s.Publish(Event{Kind: JobCompleted})
	Discard.Publish(Event{Kind: JobCompleted})
	assert.Len(t, got, 1)
}
