package saf

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/csvmeta"
	"github.com/curatelib/safsuite/progress"
	"github.com/curatelib/safsuite/util"
	"github.com/curatelib/safsuite/validate"
)

var (
	// ErrValidationGate means assembly was refused because the directory
	// still has blocking validation issues. Nothing is written.
	ErrValidationGate = errors.New("directory has unresolved validation issues")

	// ErrPackageExists means a target package directory is already present
	// and SkipExisting is off.
	ErrPackageExists = errors.New("package directory already exists")
)

// A GateError carries the report that refused assembly. It unwraps to
// ErrValidationGate.
type GateError struct {
	Report *validate.Report
}

func (e *GateError) Error() string {
	return ErrValidationGate.Error() + ": " + e.Report.Dir
}

func (e *GateError) Unwrap() error { return ErrValidationGate }

// Options adjust assembly.
type Options struct {
	Validate validate.Options

	// BaseIndex is the first package number to allocate. Default 0, so
	// the first package is item_000.
	BaseIndex int

	// SkipExisting keeps fully-formed packages already in the output
	// directory instead of failing. Partially written packages always
	// fail; they are never silently overwritten.
	SkipExisting bool

	// Workers bounds the AssembleBatch worker pool. Default 4.
	Workers int

	Progress progress.Func
}

// Assemble validates dir and, if the gate passes, builds one package per
// row under out. On a gate refusal it returns a *GateError and writes
// nothing. A failure partway through leaves the completed packages in
// place and returns them alongside the error.
func Assemble(ctx context.Context, dir, out string, opts Options) ([]Package, error) {
	report, err := validate.Dir(dir, opts.Validate)
	if err != nil {
		return nil, err
	}
	return AssembleValidated(ctx, report, out, opts)
}

// AssembleValidated builds packages from an existing validation report,
// avoiding a second parse of the metadata files. The report must be
// current; the gate is still enforced.
func AssembleValidated(ctx context.Context, report *validate.Report, out string, opts Options) ([]Package, error) {
	if report.Blocking() {
		return nil, &GateError{Report: report}
	}

	if err := os.MkdirAll(out, 0775); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}

	var done []Package
	seq := opts.BaseIndex
	for _, t := range report.Tables {
		srcdir := filepath.Dir(t.Path)
		for _, row := range t.Rows {
			if err := ctx.Err(); err != nil {
				return done, err
			}
			if row.Invalid != "" {
				// can't happen after the gate, but don't build garbage
				continue
			}
			p, err := buildPackage(t, row, srcdir, out, seq, opts)
			seq++
			if err != nil {
				return done, errors.Wrapf(err, "package %s", PackageID(seq-1))
			}
			done = append(done, p)
			kind := progress.KindPackageBuilt
			if p.Skipped {
				kind = progress.KindPackageSkipped
			}
			opts.Progress.Send(kind, p.Dir, p.Document, nil)
		}
	}
	return done, nil
}

// buildPackage creates one item_NNN directory: document copy, descriptor,
// manifest. The manifest is written last, so its presence marks a
// complete package.
func buildPackage(t *csvmeta.Table, row csvmeta.Row, srcdir, out string, seq int, opts Options) (Package, error) {
	p := Package{
		ID:       PackageID(seq),
		Document: row.Filename,
		Source:   filepath.Join(srcdir, row.Filename),
		Metadata: t.Metadata(row),
	}
	p.Dir = filepath.Join(out, p.ID)

	if _, err := os.Stat(p.Dir); err == nil {
		if !opts.SkipExisting {
			return p, ErrPackageExists
		}
		existing, err := ReadPackage(p.Dir)
		if err != nil {
			// partially written package. Refuse to touch it.
			return p, errors.Wrap(ErrPackageExists, "incomplete package present")
		}
		p.Document = existing.Document
		p.Skipped = true
		return p, nil
	}

	if err := os.Mkdir(p.Dir, 0775); err != nil {
		return p, err
	}

	md5sum, err := copyFile(p.Source, filepath.Join(p.Dir, p.Document))
	if err != nil {
		return p, err
	}
	p.MD5 = md5sum

	f, err := os.Create(filepath.Join(p.Dir, DescriptorName))
	if err != nil {
		return p, err
	}
	err = writeDescriptor(f, p.Metadata)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return p, err
	}

	f, err = os.Create(filepath.Join(p.Dir, ManifestName))
	if err != nil {
		return p, err
	}
	err = writeManifest(f, p.Document)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return p, err
}

// copyFile copies src to dst, returning the md5 of the bytes written.
func copyFile(src, dst string) ([]byte, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	hw := util.NewMD5Writer(out)
	_, err = io.Copy(hw, in)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return nil, err
	}
	sum, _ := hw.CheckMD5(nil)
	return sum, nil
}
