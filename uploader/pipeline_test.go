package uploader

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/store"
)

// quickRetry keeps test failures fast without a mock clock.
var quickRetry = RetryPolicy{
	MaxAttempts: 3,
	Delay:       time.Microsecond,
	MaxDelay:    time.Microsecond,
	Timeout:     time.Minute,
}

func testPipeline() (*Pipeline, *fakeDest) {
	dest := newFakeDest()
	p := New(dest, store.NewMemory())
	p.Retry = quickRetry
	return p, dest
}

func TestBegin(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total() != 3 {
		t.Errorf("total = %d", s.Total())
	}
	if s.SegmentSize(0) != 4 || s.SegmentSize(2) != 2 {
		t.Errorf("sizes = %d, %d", s.SegmentSize(0), s.SegmentSize(2))
	}
	if dest.count("EnsureContainer") != 1 {
		t.Errorf("EnsureContainer calls = %d", dest.count("EnsureContainer"))
	}

	// the session survives a process restart
	var back Session
	if err := p.sessions.Open(s.ID, &back); err != nil {
		t.Fatal(err)
	}
	if back.Container != "box" || back.Key != "item.zip" ||
		back.Size != 10 || back.ChunkSize != 4 {
		t.Errorf("persisted session = %+v", &back)
	}
}

func TestUploadAndFinalize(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()
	content := []byte("aaaabbbbcc")

	s, err := p.Begin(ctx, "box", "item.zip", 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		end := (i + 1) * 4
		if end > len(content) {
			end = len(content)
		}
		if err := p.UploadChunk(ctx, s, i, content[i*4:end]); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Complete() {
		t.Fatal("session not complete after all chunks")
	}
	if err := p.Finalize(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, ok := dest.object("box", "item.zip")
	if !ok || !bytes.Equal(got, content) {
		t.Errorf("assembled object = %q, %v", got, ok)
	}
	// the session record is destroyed on success
	var back Session
	if err := p.sessions.Open(s.ID, &back); err == nil {
		t.Error("session record survived finalize")
	}
	// finalizing again is a no-op
	if err := p.Finalize(ctx, s); err != nil {
		t.Error("second finalize:", err)
	}
	if dest.count("PutManifest") != 1 {
		t.Errorf("PutManifest calls = %d", dest.count("PutManifest"))
	}
}

func TestFinalizeIncomplete(t *testing.T) {
	p, _ := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	err = p.Finalize(ctx, s)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadChunkIdempotent(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	// same bytes again: no new request
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if dest.count("PutSegment") != 1 {
		t.Errorf("PutSegment calls = %d", dest.count("PutSegment"))
	}
	// different bytes replace the segment
	if err := p.UploadChunk(ctx, s, 0, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}
	if dest.count("PutSegment") != 2 {
		t.Errorf("PutSegment calls = %d", dest.count("PutSegment"))
	}
}

func TestUploadChunkBadInput(t *testing.T) {
	p, _ := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.UploadChunk(ctx, s, 3, []byte("aaaa")); !errors.Is(err, ErrBadIndex) {
		t.Errorf("index 3 err = %v", err)
	}
	if err := p.UploadChunk(ctx, s, 0, []byte("aa")); err == nil {
		t.Error("short segment accepted")
	}
}

func TestUploadChunkTransientRetry(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	dest.fail("PutSegment", tempError{"unavailable"}, tempError{"unavailable"})
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if dest.count("PutSegment") != 3 {
		t.Errorf("PutSegment calls = %d", dest.count("PutSegment"))
	}
}

func TestUploadChunkAuthFatal(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	dest.fail("PutSegment", ErrNotAuthorized)
	err = p.UploadChunk(ctx, s, 0, []byte("aaaa"))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v", err)
	}
	// never retried
	if dest.count("PutSegment") != 1 {
		t.Errorf("PutSegment calls = %d", dest.count("PutSegment"))
	}
}

func TestUploadChunkRecreatesContainer(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	// container deleted behind our back
	dest.removeContainer("box")
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if dest.count("EnsureContainer") != 2 {
		t.Errorf("EnsureContainer calls = %d", dest.count("EnsureContainer"))
	}
	if _, ok := dest.object("box", SegmentKey("item.zip", 0)); !ok {
		t.Error("segment not stored after container recreation")
	}
}

func TestFinalizeConcurrent(t *testing.T) {
	p, dest := testPipeline()
	ctx := context.Background()

	s, err := p.Begin(ctx, "box", "item.zip", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.UploadChunk(ctx, s, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Finalize(ctx, s)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("finalize %d: %v", i, err)
		}
	}
	if dest.count("PutManifest") != 1 {
		t.Errorf("PutManifest calls = %d", dest.count("PutManifest"))
	}
}

func TestRetryBackoffWaits(t *testing.T) {
	mock := clock.NewMock()
	policy := RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Second,
		MaxDelay:    4 * time.Second,
		Timeout:     time.Minute,
	}
	done := make(chan error, 1)
	go func() {
		done <- retry(context.Background(), mock, policy, nil, func(context.Context) error {
			return tempError{"unavailable"}
		})
	}()
	for {
		select {
		case err := <-done:
			if err == nil {
				t.Fatal("retry succeeded unexpectedly")
			}
			if errors.Cause(err) != error(tempError{"unavailable"}) {
				t.Errorf("cause = %v", errors.Cause(err))
			}
			return
		default:
			mock.Add(500 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}
