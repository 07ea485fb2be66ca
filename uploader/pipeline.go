package uploader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/progress"
	"github.com/curatelib/safsuite/store"
)

// Exported errors
var (
	// ErrIncomplete means Finalize was called before every segment was
	// committed.
	ErrIncomplete = errors.New("upload is incomplete")

	// ErrStateInconsistency means the remote state contradicts the
	// session and reconciling them automatically would lose data.
	ErrStateInconsistency = errors.New("remote state conflicts with session")

	// ErrBadIndex means a segment index outside [0, Total).
	ErrBadIndex = errors.New("segment index out of range")
)

// A Pipeline runs segmented uploads against one Destination. Sessions
// are persisted through the given store, so an interrupted upload can
// be picked up by a later process. Safe for concurrent use.
type Pipeline struct {
	// Retry applies to every remote request. Zero value = DefaultRetry.
	Retry RetryPolicy

	// Workers bounds concurrent requests in PutFile and UploadTree.
	// Default 4.
	Workers int

	Progress progress.Func

	dest     Destination
	sessions JSONStore
	clock    clock.Clock
	flight   singleflight.Group
}

// New returns a Pipeline writing to dest and persisting sessions in s.
func New(dest Destination, s store.Store) *Pipeline {
	return &Pipeline{
		dest:     dest,
		sessions: NewJSON(s),
		clock:    clock.New(),
	}
}

// Begin starts a segmented upload of size bytes cut into chunkSize
// pieces. The container is created if missing. The returned session is
// already persisted.
func (p *Pipeline) Begin(ctx context.Context, container, key string, size, chunkSize int64) (*Session, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if size < 0 {
		return nil, errors.New("negative object size")
	}
	err := retry(ctx, p.clock, p.Retry, p.notifyRetry(container), func(ctx context.Context) error {
		return p.dest.EnsureContainer(ctx, container)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ensuring container %s", container)
	}

	now := time.Now()
	s := &Session{
		ID:        newSessionID(),
		Container: container,
		Key:       key,
		Size:      size,
		ChunkSize: chunkSize,
		Committed: make(map[int]string),
		Created:   now,
		Modified:  now,
	}
	if err := p.sessions.Save(s.ID, s); err != nil {
		return nil, errors.Wrap(err, "persisting session")
	}
	return s, nil
}

// UploadChunk sends segment index of the session. A segment already
// committed with the same content is a no-op; different content is
// re-sent and the etag replaced. A missing container is created once
// and the send retried. Safe to call concurrently for distinct indices.
func (p *Pipeline) UploadChunk(ctx context.Context, s *Session, index int, data []byte) error {
	if index < 0 || index >= s.Total() {
		return errors.Wrapf(ErrBadIndex, "index %d of %d", index, s.Total())
	}
	if int64(len(data)) != s.SegmentSize(index) {
		return errors.Errorf("segment %d is %d bytes, expected %d",
			index, len(data), s.SegmentSize(index))
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	s.m.Lock()
	prev, committed := s.Committed[index]
	s.m.Unlock()
	if committed && prev == etag {
		return nil
	}

	var remote string
	err := retry(ctx, p.clock, p.Retry, p.notifyRetry(s.Key), func(ctx context.Context) error {
		var err error
		remote, err = p.putSegment(ctx, s, index, data)
		return err
	})
	if err != nil {
		p.Progress.Send(progress.KindUploadFailed, s.Key, segmentDetail(index), err)
		return errors.Wrapf(err, "segment %d of %s", index, s.Key)
	}
	if remote != etag {
		return errors.Errorf("segment %d of %s: backend etag %s, expected %s",
			index, s.Key, remote, etag)
	}

	s.m.Lock()
	s.Committed[index] = etag
	s.Modified = time.Now()
	s.m.Unlock()
	if err := p.save(s); err != nil {
		return err
	}
	p.Progress.Send(progress.KindChunkSent, s.Key, segmentDetail(index), nil)
	return nil
}

// putSegment is one attempt, including the create-and-retry dance for a
// container deleted out from under us.
func (p *Pipeline) putSegment(ctx context.Context, s *Session, index int, data []byte) (string, error) {
	etag, err := p.dest.PutSegment(ctx, s.Container, s.Key, index, data)
	if errors.Is(err, ErrNoContainer) {
		if err = p.dest.EnsureContainer(ctx, s.Container); err != nil {
			return "", err
		}
		etag, err = p.dest.PutSegment(ctx, s.Container, s.Key, index, data)
	}
	return etag, err
}

// Finalize writes the manifest once every segment is committed and
// destroys the session record. Concurrent calls for the same session
// collapse into one manifest write; calling it again after success is a
// no-op.
func (p *Pipeline) Finalize(ctx context.Context, s *Session) error {
	_, err := p.flight.Do(s.ID, func() (interface{}, error) {
		s.m.Lock()
		done := s.Manifest
		s.m.Unlock()
		if done {
			return nil, nil
		}
		if !s.Complete() {
			return nil, errors.Wrapf(ErrIncomplete,
				"%s: %d of %d segments", s.Key, s.Total()-len(s.Missing()), s.Total())
		}

		segments := s.segments()
		err := retry(ctx, p.clock, p.Retry, p.notifyRetry(s.Key), func(ctx context.Context) error {
			return p.dest.PutManifest(ctx, s.Container, s.Key, segments)
		})
		if err != nil {
			p.Progress.Send(progress.KindUploadFailed, s.Key, "manifest", err)
			return nil, errors.Wrapf(err, "manifest for %s", s.Key)
		}

		s.m.Lock()
		s.Manifest = true
		s.m.Unlock()
		if err := p.sessions.Delete(s.ID); err != nil {
			return nil, errors.Wrap(err, "removing session")
		}
		p.Progress.Send(progress.KindFinalized, s.Key, s.ID, nil)
		return nil, nil
	})
	return err
}

// Resume loads a persisted session and reconciles it against what the
// backend actually holds. The remote listing wins: segments recorded
// locally but missing remotely are dropped, and remote segments of the
// expected size are adopted. A remote segment of the wrong size, one
// past the end, or a foreign object sitting at the manifest key is an
// ErrStateInconsistency.
func (p *Pipeline) Resume(ctx context.Context, id string) (*Session, error) {
	s := new(Session)
	if err := p.sessions.Open(id, s); err != nil {
		return nil, errors.Wrapf(err, "unknown session %s", id)
	}

	info, err := p.dest.HeadManifest(ctx, s.Container, s.Key)
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", s.Key)
	}
	if info != nil {
		if !info.Manifest {
			return nil, errors.Wrapf(ErrStateInconsistency,
				"%s already holds an object that is not a segment manifest", s.Key)
		}
		// finished before the previous process died
		s.Manifest = true
		if err := p.sessions.Delete(s.ID); err != nil {
			return nil, errors.Wrap(err, "removing session")
		}
		return s, nil
	}

	var remote []Segment
	err = retry(ctx, p.clock, p.Retry, p.notifyRetry(s.Key), func(ctx context.Context) error {
		var err error
		remote, err = p.dest.ListSegments(ctx, s.Container, s.Key)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing segments of %s", s.Key)
	}

	committed := make(map[int]string)
	for _, seg := range remote {
		if seg.Index < 0 || seg.Index >= s.Total() {
			return nil, errors.Wrapf(ErrStateInconsistency,
				"%s has segment %d but only %d expected", s.Key, seg.Index, s.Total())
		}
		if seg.Size != s.SegmentSize(seg.Index) {
			return nil, errors.Wrapf(ErrStateInconsistency,
				"segment %d of %s is %d bytes, expected %d",
				seg.Index, s.Key, seg.Size, s.SegmentSize(seg.Index))
		}
		committed[seg.Index] = seg.ETag
	}

	s.m.Lock()
	s.Committed = committed
	s.Modified = time.Now()
	s.m.Unlock()
	if err := p.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// notifyRetry reports a failed attempt that is about to be retried.
func (p *Pipeline) notifyRetry(path string) func(error) {
	return func(err error) {
		p.Progress.Send(progress.KindRetry, path, "", err)
	}
}

func (p *Pipeline) save(s *Session) error {
	s.m.Lock()
	defer s.m.Unlock()
	return errors.Wrap(p.sessions.Save(s.ID, s), "persisting session")
}

func segmentDetail(index int) string {
	return fmt.Sprintf("segment-%04d", index)
}
