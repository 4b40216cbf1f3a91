// Package selection keeps the marked entries of both explorer panes. Each
// record remembers the directory the opposite pane showed when the entry
// was marked, and later navigation never changes it.
package selection

import (
	"sort"
	"sync"

	"filebridge/bridge"
)

// Record is immutable until it is unmarked or consumed by a transfer.
type Record struct {
	Entry bridge.Entry `json:"entry"`
	// BoundDir is on the side opposite to Entry.Side.
	BoundDir string `json:"boundDir"`
	Seq      uint64 `json:"seq"`
}

// Destination is BoundDir joined with the entry name.
func (r Record) Destination() string {
	return r.Entry.Side.Other().Join(r.BoundDir, r.Entry.Name)
}

type key struct {
	side bridge.Side
	path string
}

type Store struct {
	mu      sync.Mutex
	cwd     [2]string
	records map[key]Record
	// records handed to a transfer that has not finished yet
	claimed map[key]bool
	seq     uint64
}

// New starts both panes in the given working directories.
func New(localDir, remoteDir string) *Store {
	s := &Store{records: make(map[key]Record), claimed: make(map[key]bool)}
	s.cwd[bridge.Local] = localDir
	s.cwd[bridge.Remote] = remoteDir
	return s
}

// Navigate changes the working directory of one side. Existing records keep
// their binding.
func (s *Store) Navigate(side bridge.Side, dir string) {
	s.mu.Lock()
	s.cwd[side] = dir
	s.mu.Unlock()
}

func (s *Store) WorkingDir(side bridge.Side) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd[side]
}

// Mark binds e to the current working directory of the opposite side. Marking
// an entry twice returns the existing record.
func (s *Store) Mark(e bridge.Entry) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark(e, s.cwd[e.Side.Other()])
}

// MarkAt binds e to dir on the opposite side regardless of navigation.
func (s *Store) MarkAt(e bridge.Entry, dir string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark(e, dir)
}

func (s *Store) mark(e bridge.Entry, dir string) Record {
	k := key{e.Side, e.Path}
	if r, ok := s.records[k]; ok {
		return r
	}
	s.seq++
	r := Record{Entry: e, BoundDir: dir, Seq: s.seq}
	s.records[k] = r
	return r
}

// Unmark drops the record for path, reporting whether there was one.
func (s *Store) Unmark(side bridge.Side, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{side, path}
	_, ok := s.records[k]
	delete(s.records, k)
	delete(s.claimed, k)
	return ok
}

// Release removes records consumed by a transfer. A record that was unmarked
// and marked again in the meantime is kept.
func (s *Store) Release(recs ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		k := key{r.Entry.Side, r.Entry.Path}
		if cur, ok := s.records[k]; ok && cur.Seq == r.Seq {
			delete(s.records, k)
			delete(s.claimed, k)
		}
	}
}

// Claim returns the records no running transfer holds yet, in mark order, and
// holds them until Release or Unclaim.
func (s *Store) Claim() []Record {
	s.mu.Lock()
	var recs []Record
	for k, r := range s.records {
		if !s.claimed[k] {
			s.claimed[k] = true
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs
}

// Unclaim hands records back after a transfer that did not consume them.
func (s *Store) Unclaim(recs ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		k := key{r.Entry.Side, r.Entry.Path}
		if cur, ok := s.records[k]; ok && cur.Seq == r.Seq {
			delete(s.claimed, k)
		}
	}
}

func (s *Store) IsMarked(side bridge.Side, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key{side, path}]
	return ok
}

// Records returns a copy of all records in mark order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[key]Record)
	s.claimed = make(map[key]bool)
	s.mu.Unlock()
}
