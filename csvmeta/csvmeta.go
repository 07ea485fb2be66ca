// Package csvmeta reads the metadata CSV files which accompany scanned
// documents. The first row is a header; one column must be named
// "filename", and the remaining columns name metadata fields (see Field).
// Anomalies in individual rows are recorded on the row, never returned as
// errors, so a single bad row does not hide the rest of the file.
package csvmeta

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// A Table is one parsed metadata CSV.
type Table struct {
	Path        string
	Fields      []Field // one per column, in column order
	FilenameCol int     // index into Fields, or -1 if the column is missing
	Rows        []Row
}

// A Row is one data row of a Table. Num is the CSV line number, counting
// the header, so the first data row has Num 2. If the row could not be
// used, Invalid holds the reason and the other fields are unreliable.
type Row struct {
	Num      int
	Filename string
	Values   []string
	Invalid  string // empty when the row is well formed
}

// A Value is one metadata (field, value) pair taken from a row.
type Value struct {
	Field Field
	Value string
}

// ReadFile parses the metadata CSV at path. The returned error is only for
// file-level problems (unreadable file, empty file); per-row anomalies are
// recorded on the rows, and a missing filename column is reported through
// FilenameCol == -1.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading metadata csv")
	}
	defer f.Close()
	t, err := Read(f)
	if t != nil {
		t.Path = path
	}
	return t, err
}

// Read parses metadata CSV content from r.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(&bomReader{r: r})
	cr.FieldsPerRecord = -1 // ragged rows are a per-row issue, not fatal

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("metadata csv is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}

	t := &Table{FilenameCol: -1}
	for i, h := range header {
		field := ParseHeader(h)
		if field.IsFilename() && t.FilenameCol == -1 {
			t.FilenameCol = i
		}
		t.Fields = append(t.Fields, field)
	}

	for num := 2; ; num++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		row := Row{Num: num, Values: record}
		switch {
		case err != nil:
			row.Invalid = err.Error()
		case len(record) != len(t.Fields):
			row.Invalid = fmt.Sprintf("has %d columns, expected %d",
				len(record), len(t.Fields))
		case !validEncoding(record):
			row.Invalid = "row is not valid UTF-8"
		case t.FilenameCol >= 0:
			row.Filename = strings.TrimSpace(record[t.FilenameCol])
			if row.Filename == "" {
				row.Invalid = "filename column is empty"
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Metadata returns the (field, value) pairs for the given row, in column
// order, skipping the filename column and empty values. Extension columns
// are included.
func (t *Table) Metadata(row Row) []Value {
	if row.Invalid != "" {
		return nil
	}
	var out []Value
	for i, field := range t.Fields {
		if i == t.FilenameCol || i >= len(row.Values) {
			continue
		}
		v := strings.TrimSpace(row.Values[i])
		if v == "" {
			continue
		}
		out = append(out, Value{Field: field, Value: v})
	}
	return out
}

func validEncoding(record []string) bool {
	for _, v := range record {
		if !utf8.ValidString(v) {
			return false
		}
	}
	return true
}

// bomReader strips a single UTF-8 byte order mark from the front of the
// stream. Spreadsheet exports routinely begin with one.
type bomReader struct {
	r       io.Reader
	started bool
}

var utf8bom = []byte{0xef, 0xbb, 0xbf}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.started {
		b.started = true
		head := make([]byte, 3)
		n, err := io.ReadFull(b.r, head)
		head = head[:n]
		if bytes.Equal(head, utf8bom) {
			head = nil
		}
		if len(head) > 0 {
			b.r = io.MultiReader(bytes.NewReader(head), b.r)
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if len(head) == 0 {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, err
		}
	}
	return b.r.Read(p)
}
