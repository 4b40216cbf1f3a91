package selection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebridge/bridge"
)

func localFile(p string) bridge.Entry {
	return bridge.Entry{Name: bridge.Local.Base(p), Path: p, Kind: bridge.KindFile, Side: bridge.Local}
}

func TestBindingSurvivesNavigation(t *testing.T) {
	s := New("/home", "/tmp")

	s.Mark(localFile("/home/a.txt"))
	s.Navigate(bridge.Remote, "/home")
	s.Navigate(bridge.Local, "/var")
	s.Mark(localFile("/var/b.txt"))

	recs := s.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "/home/a.txt", recs[0].Entry.Path)
	assert.Equal(t, "/tmp/a.txt", recs[0].Destination())
	assert.Equal(t, "/var/b.txt", recs[1].Entry.Path)
	assert.Equal(t, "/home/b.txt", recs[1].Destination())
}

func TestRemoteEntriesBindToLocalDir(t *testing.T) {
	s := New("/work", "/srv")
	e := bridge.Entry{Name: "r.bin", Path: "/srv/r.bin", Side: bridge.Remote}
	r := s.Mark(e)
	assert.Equal(t, "/work", r.BoundDir)

	s.Navigate(bridge.Local, "/elsewhere")
	assert.Equal(t, "/work", s.Records()[0].BoundDir)
}

func TestMarkUnmarkRelease(t *testing.T) {
	s := New("/l", "/r")

	first := s.Mark(localFile("/l/a"))
	again := s.Mark(localFile("/l/a"))
	assert.Equal(t, first, again)
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Unmark(bridge.Local, "/l/a"))
	assert.False(t, s.Unmark(bridge.Local, "/l/a"))
	assert.False(t, s.IsMarked(bridge.Local, "/l/a"))

	old := s.Mark(localFile("/l/b"))
	s.Unmark(bridge.Local, "/l/b")
	fresh := s.MarkAt(localFile("/l/b"), "/r/other")

	// releasing the stale record leaves the new mark alone
	s.Release(old)
	assert.True(t, s.IsMarked(bridge.Local, "/l/b"))
	s.Release(fresh)
	assert.False(t, s.IsMarked(bridge.Local, "/l/b"))

	s.Mark(localFile("/l/c"))
	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentMarks(t *testing.T) {
	s := New("/l", "/r")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Navigate(bridge.Remote, "/r")
			s.Mark(localFile("/l/" + string(rune('a'+i%26)) + string(rune('0'+i/26))))
		}(i)
	}
	wg.Wait()
	recs := s.Records()
	assert.Len(t, recs, 50)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].Seq, recs[i].Seq)
	}
}

func TestClaimHoldsRecords(t *testing.T) {
	s := New("/home", "/tmp")
	a := s.Mark(localFile("/home/a.txt"))
	s.Mark(localFile("/home/b.txt"))

	claimed := s.Claim()
	require.Len(t, claimed, 2)
	assert.Empty(t, s.Claim())
	assert.Len(t, s.Records(), 2)

	c := s.Mark(localFile("/home/c.txt"))
	assert.Equal(t, []Record{c}, s.Claim())

	s.Unclaim(a)
	assert.Equal(t, []Record{a}, s.Claim())

	s.Release(claimed...)
	assert.Equal(t, 1, s.Len())
}

func TestUnclaimIgnoresRemarkedEntry(t *testing.T) {
	s := New("/home", "/tmp")
	old := s.Mark(localFile("/home/a.txt"))
	require.Len(t, s.Claim(), 1)

	s.Unmark(bridge.Local, "/home/a.txt")
	fresh := s.Mark(localFile("/home/a.txt"))
	assert.Equal(t, []Record{fresh}, s.Claim())

	s.Unclaim(old)
	assert.Empty(t, s.Claim())
}
