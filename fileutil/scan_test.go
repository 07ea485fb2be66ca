package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFindBatches(t *testing.T) {
	root := t.TempDir()
	// a batch at the root itself
	touch(t, filepath.Join(root, "meta.csv"))
	touch(t, filepath.Join(root, "a.pdf"))
	// a nested year/month batch
	touch(t, filepath.Join(root, "2024", "01", "batch.csv"))
	touch(t, filepath.Join(root, "2024", "01", "b.PDF"))
	touch(t, filepath.Join(root, "2024", "01", "c.pdf"))
	// two CSVs in one directory; lexically first wins
	touch(t, filepath.Join(root, "2024", "02", "zz.csv"))
	touch(t, filepath.Join(root, "2024", "02", "aa.csv"))
	// documents without a CSV are not a batch
	touch(t, filepath.Join(root, "loose", "d.pdf"))
	// unrelated files are ignored
	touch(t, filepath.Join(root, "2024", "01", "notes.txt"))

	batches, err := FindBatches(root, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches: %+v", len(batches), batches)
	}
	// sorted by directory: root, 2024/01, 2024/02
	if batches[0].Dir != root || batches[0].CSV != filepath.Join(root, "meta.csv") {
		t.Errorf("batch 0 = %+v", batches[0])
	}
	b := batches[1]
	if len(b.Documents) != 2 || b.Documents[0] != "b.PDF" || b.Documents[1] != "c.pdf" {
		t.Errorf("batch 1 documents = %v", b.Documents)
	}
	if batches[2].CSV != filepath.Join(root, "2024", "02", "aa.csv") {
		t.Errorf("batch 2 picked csv %s", batches[2].CSV)
	}
	if len(batches[2].AllCSVs) != 2 {
		t.Errorf("batch 2 AllCSVs = %v", batches[2].AllCSVs)
	}
}

func TestFindBatchesDeterministic(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "x", "m.csv"))
	touch(t, filepath.Join(root, "y", "m.csv"))

	first, err := FindBatches(root, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := FindBatches(root, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Dir != second[i].Dir {
			t.Errorf("order differs at %d: %s vs %s", i, first[i].Dir, second[i].Dir)
		}
	}
}

func TestFindBatchesMissingRoot(t *testing.T) {
	_, err := FindBatches(filepath.Join(t.TempDir(), "nope"), ScanOptions{})
	if err == nil {
		t.Error("expected an error for a missing root")
	}
}
