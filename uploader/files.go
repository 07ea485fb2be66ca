package uploader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/progress"
	"github.com/curatelib/safsuite/util"
)

// DefaultChunkSize is the segment size used when none is given.
const DefaultChunkSize int64 = 100 * 1024 * 1024

// PutFile uploads one file. Files at or below chunkSize go up as a
// single object; larger files are segmented, sent by concurrent
// workers, and finalized. chunkSize <= 0 means DefaultChunkSize.
func (p *Pipeline) PutFile(ctx context.Context, container, key, filename string, chunkSize int64) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	info, err := os.Stat(filename)
	if err != nil {
		return err
	}
	size := info.Size()

	if size <= chunkSize {
		err := retry(ctx, p.clock, p.Retry, p.notifyRetry(key), func(ctx context.Context) error {
			f, err := os.Open(filename)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = p.dest.PutObject(ctx, container, key, f, size)
			if errors.Is(err, ErrNoContainer) {
				if err = p.dest.EnsureContainer(ctx, container); err != nil {
					return err
				}
				if _, err = f.Seek(0, 0); err != nil {
					return err
				}
				_, err = p.dest.PutObject(ctx, container, key, f, size)
			}
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "uploading %s", filename)
		}
		p.Progress.Send(progress.KindFileSent, filename, key, nil)
		return nil
	}

	s, err := p.Begin(ctx, container, key, size, chunkSize)
	if err != nil {
		return err
	}
	if err := p.uploadSegments(ctx, s, filename); err != nil {
		return err
	}
	if err := p.Finalize(ctx, s); err != nil {
		return err
	}
	p.Progress.Send(progress.KindFileSent, filename, key, nil)
	return nil
}

// uploadSegments sends every missing segment of the session from the
// local file, bounded by the worker gate. The file is read with ReadAt
// so workers do not share a file offset. The first segment to fail
// cancels the rest of the session; segments already in flight finish on
// their own.
func (p *Pipeline) uploadSegments(ctx context.Context, s *Session, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := util.NewGate(p.workers())
	var wg sync.WaitGroup
	var m sync.Mutex
	var first error

	for _, index := range s.Missing() {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			gate.Enter()
			defer gate.Leave()
			if sctx.Err() != nil {
				return
			}

			data := make([]byte, s.SegmentSize(index))
			_, err := f.ReadAt(data, int64(index)*s.ChunkSize)
			if err == nil {
				err = p.UploadChunk(sctx, s, index, data)
			}
			if err != nil {
				m.Lock()
				if first == nil {
					first = errors.Wrapf(err, "segment %d", index)
					cancel()
				}
				m.Unlock()
			}
		}(index)
	}
	wg.Wait()
	if first == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return first
}

// A FileResult is the outcome for one file of an UploadTree run.
type FileResult struct {
	Path string // local path
	Key  string // object key it was sent to
	Err  error
}

// A TreeReport collects per-file outcomes. One file's failure never
// blocks the others.
type TreeReport struct {
	Results []FileResult
}

// Failed returns the results which did not complete cleanly.
func (r *TreeReport) Failed() []FileResult {
	var out []FileResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// UploadTree sends every file under root to the container, keyed by the
// path relative to root prefixed with root's own directory name, so an
// assembled SimpleArchiveFormat tree keeps its name in storage. Files
// go up through a bounded worker pool; cancelling ctx stops new files
// from starting. Walk errors abort before anything is sent.
func (p *Pipeline) UploadTree(ctx context.Context, root, container string, chunkSize int64) (*TreeReport, error) {
	base := filepath.Base(filepath.Clean(root))
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	sort.Strings(files)

	gate := util.NewGate(p.workers())
	report := &TreeReport{}
	var wg sync.WaitGroup
	var m sync.Mutex

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		key := base + "/" + filepath.ToSlash(rel)

		wg.Add(1)
		go func(path, key string) {
			defer wg.Done()
			gate.Enter()
			defer gate.Leave()

			err := p.PutFile(ctx, container, key, path, chunkSize)
			m.Lock()
			report.Results = append(report.Results, FileResult{Path: path, Key: key, Err: err})
			m.Unlock()
		}(path, key)
	}
	wg.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Path < report.Results[j].Path
	})
	return report, nil
}

func (p *Pipeline) workers() int {
	if p.Workers < 1 {
		return 4
	}
	return p.Workers
}
