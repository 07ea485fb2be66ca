package saf

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/curatelib/safsuite/fileutil"
	"github.com/curatelib/safsuite/progress"
	"github.com/curatelib/safsuite/util"
	"github.com/curatelib/safsuite/validate"
)

// OutputName is the directory each batch's packages are written under,
// mirroring the source tree: <out>/<relative dir>/SimpleArchiveFormat.
const OutputName = "SimpleArchiveFormat"

// A DirResult is the outcome for one source directory in a batch run.
type DirResult struct {
	Dir      string
	Output   string
	Report   *validate.Report
	Packages []Package
	Err      error // gate refusal or filesystem failure; nil on success
}

// A BatchReport collects the per-directory outcomes of one batch run.
// One directory's failure never blocks the others.
type BatchReport struct {
	Results []DirResult
}

// Failed returns the results which did not complete cleanly.
func (r *BatchReport) Failed() []DirResult {
	var out []DirResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// AssembleBatch assembles every batch directory under root into out,
// preserving the source tree's relative layout. Directories are processed
// by a bounded worker pool, each worker owning one directory end-to-end.
// Package numbering restarts per output directory, so workers never
// contend over identifiers. Cancelling ctx stops new directories from
// starting; in-flight directories finish or fail on their own.
func AssembleBatch(ctx context.Context, root string, batches []fileutil.Batch, out string, opts Options) *BatchReport {
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	gate := util.NewGate(workers)

	report := &BatchReport{}
	var m sync.Mutex
	var wg sync.WaitGroup

	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(b fileutil.Batch) {
			defer wg.Done()
			gate.Enter()
			defer gate.Leave()

			res := assembleOne(ctx, root, b, out, opts)
			m.Lock()
			report.Results = append(report.Results, res)
			m.Unlock()

			kind := progress.KindDirDone
			if res.Err != nil {
				kind = progress.KindDirFailed
			}
			opts.Progress.Send(kind, b.Dir, res.Output, res.Err)
		}(b)
	}
	wg.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Dir < report.Results[j].Dir
	})
	return report
}

func assembleOne(ctx context.Context, root string, b fileutil.Batch, out string, opts Options) DirResult {
	res := DirResult{Dir: b.Dir}
	if b.Err != nil {
		res.Err = b.Err
		return res
	}

	rel, err := filepath.Rel(root, b.Dir)
	if err != nil {
		rel = filepath.Base(b.Dir)
	}
	res.Output = filepath.Join(out, rel, OutputName)

	report := validate.Batch(b, opts.Validate)
	res.Report = report
	res.Packages, res.Err = AssembleValidated(ctx, report, res.Output, opts)
	return res
}

// WriteZip stores the tree under root into w as an uncompressed zip. The
// entries are named relative to root's parent, so unpacking recreates the
// <rootname>/ directory. Compression buys nothing for scanned documents.
func WriteZip(root string, w io.Writer) error {
	zw := zip.NewWriter(w)
	base := filepath.Dir(root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Store,
			Modified: info.ModTime(),
		}
		out, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
