package uploader

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// A Session tracks one segmented upload across process restarts. It is
// persisted as JSON after every state change, keyed by ID. The zero
// value is not usable; get one from Begin or Resume.
type Session struct {
	ID        string
	Container string
	Key       string
	Size      int64 // total object size in bytes
	ChunkSize int64 // every segment but the last is exactly this long
	Committed map[int]string // segment index to etag
	Manifest  bool           // the manifest has been written
	Created   time.Time
	Modified  time.Time

	m sync.Mutex
}

// Total returns the number of segments the object divides into. An
// empty object still has one (empty) segment.
func (s *Session) Total() int {
	if s.Size == 0 {
		return 1
	}
	n := s.Size / s.ChunkSize
	if s.Size%s.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// SegmentSize returns the expected byte length of segment index.
func (s *Session) SegmentSize(index int) int64 {
	if index == s.Total()-1 {
		return s.Size - int64(index)*s.ChunkSize
	}
	return s.ChunkSize
}

// Complete reports whether every segment has been committed.
func (s *Session) Complete() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.Committed) == s.Total()
}

// Contiguous returns the number of committed segments at the front of
// the object: segments [0, Contiguous()) are all committed. Gaps after
// that are possible, since segments finish out of order.
func (s *Session) Contiguous() int {
	s.m.Lock()
	defer s.m.Unlock()
	n := 0
	for {
		if _, ok := s.Committed[n]; !ok {
			return n
		}
		n++
	}
}

// Missing returns the indices not yet committed, in order.
func (s *Session) Missing() []int {
	s.m.Lock()
	defer s.m.Unlock()
	var out []int
	for i := 0; i < s.Total(); i++ {
		if _, ok := s.Committed[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// segments returns the committed segments in index order. Only valid
// once the session is complete.
func (s *Session) segments() []Segment {
	s.m.Lock()
	defer s.m.Unlock()
	out := make([]Segment, 0, len(s.Committed))
	for i := 0; i < s.Total(); i++ {
		etag, ok := s.Committed[i]
		if !ok {
			continue
		}
		out = append(out, Segment{Index: i, Size: s.SegmentSize(i), ETag: etag})
	}
	return out
}

func newSessionID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
