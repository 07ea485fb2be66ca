// Package fileutil finds the directories a metadata batch lives in. A
// batch is any directory containing at least one metadata CSV; the
// documents it describes are expected to sit next to it. Directory trees
// may be nested to any depth (year/month layouts, flat drops, anything).
package fileutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/curatelib/safsuite/progress"
)

// DefaultDocExt is the document extension scanned for when none is
// configured. Matching on the extension is case-insensitive.
const DefaultDocExt = ".pdf"

// A Batch is one directory eligible for validation and assembly. When more
// than one CSV is present the lexically first becomes CSV; all of them are
// listed in AllCSVs. If the directory could not be read, Err is set and
// the other fields are empty.
type Batch struct {
	Dir       string
	CSV       string   // path of the primary metadata file
	AllCSVs   []string // every metadata file in the directory, sorted
	Documents []string // sibling document file names, sorted
	Err       error
}

// ScanOptions adjust FindBatches.
type ScanOptions struct {
	DocExt   string // document extension including the dot; default ".pdf"
	Progress progress.Func
}

// FindBatches walks the tree under root and returns a Batch for every
// directory containing at least one CSV file, sorted by directory path.
// Unreadable directories become Batch entries with Err set; the walk keeps
// going, so partial results are still usable. The returned error is only
// for a root that cannot be walked at all.
func FindBatches(root string, opts ScanOptions) ([]Batch, error) {
	ext := opts.DocExt
	if ext == "" {
		ext = DefaultDocExt
	}

	perdir := make(map[string]*Batch)
	get := func(dir string) *Batch {
		b := perdir[dir]
		if b == nil {
			b = &Batch{Dir: dir}
			perdir[dir] = b
		}
		return b
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// record and keep walking. AccessDenied on one directory
			// must not lose the rest of the tree.
			get(path).Err = err
			return nil
		}
		if d.IsDir() {
			return nil
		}
		dir := filepath.Dir(path)
		name := d.Name()
		switch {
		case strings.EqualFold(filepath.Ext(name), ".csv"):
			get(dir).AllCSVs = append(get(dir).AllCSVs, path)
		case strings.EqualFold(filepath.Ext(name), ext):
			get(dir).Documents = append(get(dir).Documents, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var result []Batch
	for _, b := range perdir {
		if len(b.AllCSVs) == 0 && b.Err == nil {
			// directory had documents but no metadata file; not a batch
			continue
		}
		sort.Strings(b.AllCSVs)
		sort.Strings(b.Documents)
		if len(b.AllCSVs) > 0 {
			b.CSV = b.AllCSVs[0]
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Dir < result[j].Dir })
	for i := range result {
		opts.Progress.Send(progress.KindScanDir, result[i].Dir, result[i].CSV, result[i].Err)
	}
	return result, nil
}
