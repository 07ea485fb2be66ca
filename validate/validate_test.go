package validate

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\na.pdf,X\nb.pdf,Y\n")
	writeFile(t, dir, "a.pdf", "pdf")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("issues = %+v", report.Issues)
	}
	issue := report.Issues[0]
	// b.pdf is on CSV line 3, the second data row
	if issue.Kind != Missing || issue.Filename != "b.pdf" ||
		!reflect.DeepEqual(issue.Rows, []int{3}) {
		t.Errorf("issue = %+v", issue)
	}
	if !report.Blocking() {
		t.Error("missing file did not block")
	}
	if report.ValidRows != 1 || report.TotalRows != 2 {
		t.Errorf("counts = %d/%d", report.ValidRows, report.TotalRows)
	}
}

func TestValidateOrphanNotBlocking(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\na.pdf,X\nb.pdf,Y\n")
	writeFile(t, dir, "a.pdf", "pdf")
	writeFile(t, dir, "b.pdf", "pdf")
	writeFile(t, dir, "c.pdf", "pdf")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 1 || report.Issues[0].Kind != Orphan ||
		report.Issues[0].Filename != "c.pdf" {
		t.Fatalf("issues = %+v", report.Issues)
	}
	if report.Blocking() {
		t.Error("orphan blocked by default")
	}

	report, _ = Dir(dir, Options{OrphanBlocking: true})
	if !report.Blocking() {
		t.Error("orphan did not block when configured to")
	}
}

func TestValidateDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\na.pdf,X\na.pdf,Y\nb.pdf,Z\n")
	writeFile(t, dir, "a.pdf", "pdf")
	writeFile(t, dir, "b.pdf", "pdf")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := report.Count(Duplicate); n != 1 {
		t.Fatalf("duplicate count = %d, issues %+v", n, report.Issues)
	}
	var dup Issue
	for _, issue := range report.Issues {
		if issue.Kind == Duplicate {
			dup = issue
		}
	}
	if dup.Filename != "a.pdf" || !reflect.DeepEqual(dup.Rows, []int{2, 3}) {
		t.Errorf("duplicate issue = %+v", dup)
	}
	if !report.Blocking() {
		t.Error("duplicate did not block")
	}
}

func TestValidateMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\n,empty name\na.pdf,ok\nb.pdf\n")
	writeFile(t, dir, "a.pdf", "pdf")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := report.Count(Malformed); n != 2 {
		t.Fatalf("malformed count = %d, issues %+v", n, report.Issues)
	}
	if report.ValidRows != 1 {
		t.Errorf("valid rows = %d", report.ValidRows)
	}
}

func TestValidateNoFilenameColumn(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv", "dc.title\nX\n")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := report.Count(Malformed); n != 1 {
		t.Fatalf("issues = %+v", report.Issues)
	}
	if !report.Blocking() {
		t.Error("missing filename column did not block")
	}
}

func TestValidateDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\nz.pdf,Z\na.pdf,A\nm.pdf,M\n")
	writeFile(t, dir, "extra.pdf", "pdf")

	first, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Issues, second.Issues) {
		t.Errorf("reports differ:\n%+v\n%+v", first.Issues, second.Issues)
	}
	// issues must come out sorted by filename
	for i := 1; i < len(first.Issues); i++ {
		if first.Issues[i-1].Filename > first.Issues[i].Filename {
			t.Errorf("issues out of order: %+v", first.Issues)
		}
	}
}

func TestValidateClean(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "meta.csv",
		"filename,dc.title\na.pdf,X\nb.pdf,Y\n")
	writeFile(t, dir, "a.pdf", "pdf")
	writeFile(t, dir, "b.pdf", "pdf")

	report, err := Dir(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 0 {
		t.Errorf("issues = %+v", report.Issues)
	}
	if report.Blocking() {
		t.Error("clean directory blocked")
	}
	if report.ValidRows != 2 {
		t.Errorf("valid rows = %d", report.ValidRows)
	}
}
