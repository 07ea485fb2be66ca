package uploader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPutFileSmall(t *testing.T) {
	p, dest := testPipeline()
	path := writeFile(t, t.TempDir(), "small.txt", "tiny")

	err := p.PutFile(context.Background(), "box", "small.txt", path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := dest.object("box", "small.txt")
	if !ok || string(got) != "tiny" {
		t.Errorf("stored = %q, %v", got, ok)
	}
	// a small file is one object, never a segmented session
	if dest.count("PutSegment") != 0 || dest.count("PutManifest") != 0 {
		t.Errorf("segments=%d manifests=%d",
			dest.count("PutSegment"), dest.count("PutManifest"))
	}
}

func TestPutFileLarge(t *testing.T) {
	p, dest := testPipeline()
	content := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes
	path := writeFile(t, t.TempDir(), "big.bin", string(content))

	err := p.PutFile(context.Background(), "box", "big.bin", path, 300)
	if err != nil {
		t.Fatal(err)
	}
	// 1000 bytes at 300 each: four segments
	if dest.count("PutSegment") != 4 {
		t.Errorf("PutSegment calls = %d", dest.count("PutSegment"))
	}
	got, ok := dest.object("box", "big.bin")
	if !ok || !bytes.Equal(got, content) {
		t.Errorf("stored %d bytes, ok=%v", len(got), ok)
	}
	// the transient session record was cleaned up
	keys, err := p.sessions.ListPrefix("")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("leftover sessions: %v", keys)
	}
}

func TestPutFileFatalStopsSession(t *testing.T) {
	p, dest := testPipeline()
	p.Workers = 1
	content := bytes.Repeat([]byte("0123456789"), 100) // ten 100-byte segments
	path := writeFile(t, t.TempDir(), "big.bin", string(content))

	dest.fail("PutSegment", ErrNotAuthorized)

	err := p.PutFile(context.Background(), "box", "big.bin", path, 100)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v", err)
	}
	// the fatal failure on the first segment stops the other nine
	if n := dest.count("PutSegment"); n != 1 {
		t.Errorf("PutSegment calls = %d", n)
	}
}

func TestUploadTree(t *testing.T) {
	p, dest := testPipeline()
	root := filepath.Join(t.TempDir(), "SimpleArchiveFormat")
	writeFile(t, root, "item_000/a.pdf", "pdf a")
	writeFile(t, root, "item_000/contents", "a.pdf\ndublin_core.xml\n")
	writeFile(t, root, "item_001/b.pdf", "pdf b")

	report, err := p.UploadTree(context.Background(), root, "box", 1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("results = %+v", report.Results)
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("failed = %+v", report.Failed())
	}

	// keys keep the tree's own directory name as their prefix
	got, ok := dest.object("box", "SimpleArchiveFormat/item_000/a.pdf")
	if !ok || string(got) != "pdf a" {
		t.Errorf("stored = %q, %v", got, ok)
	}
	if _, ok := dest.object("box", "SimpleArchiveFormat/item_001/b.pdf"); !ok {
		t.Error("second item missing")
	}
}

func TestUploadTreeFailureIsolated(t *testing.T) {
	p, dest := testPipeline()
	p.Workers = 1
	root := filepath.Join(t.TempDir(), "batch")
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "b.txt", "b")
	writeFile(t, root, "c.txt", "c")

	// the first file fails fatally, the rest go through
	dest.fail("PutObject", ErrNotAuthorized)

	report, err := p.UploadTree(context.Background(), root, "box", 1024)
	if err != nil {
		t.Fatal(err)
	}
	failed := report.Failed()
	if len(failed) != 1 || filepath.Base(failed[0].Path) != "a.txt" {
		t.Fatalf("failed = %+v", failed)
	}
	if _, ok := dest.object("box", "batch/b.txt"); !ok {
		t.Error("b.txt missing")
	}
	if _, ok := dest.object("box", "batch/c.txt"); !ok {
		t.Error("c.txt missing")
	}
}

func TestUploadTreeCancelled(t *testing.T) {
	p, _ := testPipeline()
	root := filepath.Join(t.TempDir(), "batch")
	writeFile(t, root, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := p.UploadTree(ctx, root, "box", 1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != 0 {
		t.Errorf("cancelled run uploaded %d files", len(report.Results))
	}
}
