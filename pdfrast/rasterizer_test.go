package pdfrast

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pagepipe/pagepipe"
)

func TestRasterizeMissingDocumentIsPermanent(t *testing.T) {
	r := New(t.TempDir(), t.TempDir())
	progress := func(stage pagepipe.Stage, percent int) {}
	_, err := r.Rasterize(context.Background(), "no-such-document", progress)
	if err == nil {
		t.Fatal("expected an error for a missing document")
	}
	if !pagepipe.IsPermanent(err) {
		t.Fatalf("error %v not marked permanent; retrying cannot help", err)
	}
}

func TestRasterizeCorruptDocumentIsPermanent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "broken.pdf"), []byte("this is not a pdf"), 0644); err != nil {
		t.Fatal(err)
	}
	r := New(root, t.TempDir())
	progress := func(stage pagepipe.Stage, percent int) {}
	_, err := r.Rasterize(context.Background(), "broken", progress)
	if err == nil {
		t.Fatal("expected an error for a corrupt document")
	}
	if !pagepipe.IsPermanent(err) {
		t.Fatalf("error %v not marked permanent; retrying cannot help", err)
	}
}
