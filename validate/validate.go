// Package validate reconciles metadata CSV rows against the document files
// actually present in a directory. Every anomaly becomes an Issue in the
// report; nothing aborts the scan, and running it twice over an unchanged
// directory produces an identical report.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/csvmeta"
	"github.com/curatelib/safsuite/fileutil"
	"github.com/curatelib/safsuite/progress"
)

// Kind classifies a validation issue. The numeric order is also the sort
// order within one filename.
type Kind int

const (
	// Missing means a CSV row references a document which is not in the
	// directory.
	Missing Kind = iota + 1
	// Duplicate means the same filename appears in more than one row.
	Duplicate
	// Malformed means a row (or a whole metadata file) could not be used.
	Malformed
	// Orphan means a document exists but no row references it.
	Orphan
)

func (k Kind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Duplicate:
		return "duplicate"
	case Malformed:
		return "malformed"
	case Orphan:
		return "orphan"
	}
	return "unknown"
}

// An Issue is one validation anomaly.
type Issue struct {
	Kind     Kind
	Filename string // referenced or orphaned file, empty for file-level problems
	Rows     []int  // CSV line numbers involved, if any (first data row is 2)
	Reason   string // detail for Malformed issues
}

func (i Issue) String() string {
	switch i.Kind {
	case Missing:
		return fmt.Sprintf("row %d: %q not found in directory", i.Rows[0], i.Filename)
	case Duplicate:
		return fmt.Sprintf("%q listed by rows %v", i.Filename, i.Rows)
	case Malformed:
		if len(i.Rows) > 0 {
			return fmt.Sprintf("row %d: %s", i.Rows[0], i.Reason)
		}
		return i.Reason
	case Orphan:
		return fmt.Sprintf("document exists but not in CSV: %q", i.Filename)
	}
	return "unknown issue"
}

// Options adjust validation.
type Options struct {
	// DocExt is the document extension, ".pdf" when empty.
	DocExt string
	// OrphanBlocking makes orphaned documents count as blocking issues.
	// Off by default; unlisted documents are usually just extra scans.
	OrphanBlocking bool
	Progress       progress.Func
}

// A Report is the complete result of validating one directory.
type Report struct {
	Dir       string
	CSVs      []string // metadata files parsed, sorted
	Issues    []Issue  // sorted by (filename, kind, first row)
	ValidRows int      // rows eligible for assembly
	TotalRows int      // all data rows seen
	Options   Options

	// Tables holds the parsed metadata files so the assembler works from
	// exactly what was validated.
	Tables []*csvmeta.Table
}

// Blocking reports whether assembly must refuse this directory. Missing,
// Duplicate, and Malformed issues always block; Orphan blocks only when
// configured to.
func (r *Report) Blocking() bool {
	for _, issue := range r.Issues {
		if issue.Kind != Orphan || r.Options.OrphanBlocking {
			return true
		}
	}
	return false
}

// BlockingIssues returns just the issues which gate assembly.
func (r *Report) BlockingIssues() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Kind != Orphan || r.Options.OrphanBlocking {
			out = append(out, issue)
		}
	}
	return out
}

// Count returns the number of issues of the given kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Kind == kind {
			n++
		}
	}
	return n
}

// Dir validates the given directory: every metadata CSV inside it is
// parsed and reconciled against the sibling documents. The returned error
// covers only an unreadable directory; all content anomalies are issues in
// the report.
func Dir(dir string, opts Options) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "validating directory")
	}
	ext := opts.DocExt
	if ext == "" {
		ext = fileutil.DefaultDocExt
	}

	var csvs []string
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.EqualFold(filepath.Ext(e.Name()), ".csv"):
			csvs = append(csvs, filepath.Join(dir, e.Name()))
		case strings.EqualFold(filepath.Ext(e.Name()), ext):
			docs = append(docs, e.Name())
		}
	}
	sort.Strings(csvs)
	sort.Strings(docs)
	return Files(dir, csvs, docs, opts), nil
}

// Batch validates a batch found by fileutil.FindBatches.
func Batch(b fileutil.Batch, opts Options) *Report {
	return Files(b.Dir, b.AllCSVs, b.Documents, opts)
}

// Files reconciles the given metadata files against the given document
// names. The document names are matched case-sensitively and exactly.
func Files(dir string, csvs []string, docs []string, opts Options) *Report {
	report := &Report{Dir: dir, CSVs: csvs, Options: opts}

	present := make(map[string]bool, len(docs))
	for _, d := range docs {
		present[d] = true
	}

	referenced := make(map[string]bool) // document names used by any row
	byname := make(map[string][]int)    // filename -> rows, for duplicates

	for _, path := range csvs {
		t, err := csvmeta.ReadFile(path)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Kind:   Malformed,
				Reason: fmt.Sprintf("%s: %v", filepath.Base(path), err),
			})
			continue
		}
		report.Tables = append(report.Tables, t)
		if t.FilenameCol < 0 {
			report.Issues = append(report.Issues, Issue{
				Kind: Malformed,
				Reason: fmt.Sprintf("%s: no %q column found",
					filepath.Base(path), csvmeta.FilenameColumn),
			})
			report.TotalRows += len(t.Rows)
			continue
		}
		for _, row := range t.Rows {
			report.TotalRows++
			if row.Invalid != "" {
				report.Issues = append(report.Issues, Issue{
					Kind:   Malformed,
					Rows:   []int{row.Num},
					Reason: row.Invalid,
				})
				continue
			}
			byname[row.Filename] = append(byname[row.Filename], row.Num)
			referenced[row.Filename] = true
			if !present[row.Filename] {
				report.Issues = append(report.Issues, Issue{
					Kind:     Missing,
					Filename: row.Filename,
					Rows:     []int{row.Num},
				})
				continue
			}
			report.ValidRows++
		}
	}

	for name, rows := range byname {
		if len(rows) > 1 {
			report.Issues = append(report.Issues, Issue{
				Kind:     Duplicate,
				Filename: name,
				Rows:     rows,
			})
		}
	}

	for _, d := range docs {
		if !referenced[d] {
			report.Issues = append(report.Issues, Issue{
				Kind:     Orphan,
				Filename: d,
			})
		}
	}

	sortIssues(report.Issues)
	opts.Progress.Send(progress.KindValidateDir, dir,
		fmt.Sprintf("%d issues, %d valid rows", len(report.Issues), report.ValidRows), nil)
	return report
}

// sortIssues puts the issue list in its stable, enumeration-independent
// order: filename first, then kind, then first row number.
func sortIssues(issues []Issue) {
	for i := range issues {
		sort.Ints(issues[i].Rows)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return firstRow(a) < firstRow(b)
	})
}

func firstRow(i Issue) int {
	if len(i.Rows) == 0 {
		return 0
	}
	return i.Rows[0]
}
