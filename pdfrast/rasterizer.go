// Package pdfrast implements a pagepipe.Rasterizer that turns PDF
// documents into per-page text artifacts on the local filesystem.
//
// Documents are resolved as <root>/<documentID>.pdf and the artifacts
// are written to <out>/<documentID>/page-<n>.txt. The artifact format
// is intentionally simple; the interesting part for the pipeline is
// the progress reporting and the distinction between recoverable and
// permanent failures.
package pdfrast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/pagepipe/pagepipe"
)

// Rasterizer converts PDF files into page artifacts. It implements the
// pagepipe.Rasterizer interface.
type Rasterizer struct {
	root string // directory holding the source PDFs
	out  string // directory receiving the page artifacts
}

// New creates a rasterizer reading PDFs from root and writing page
// artifacts below out.
func New(root, out string) *Rasterizer {
	return &Rasterizer{root: root, out: out}
}

// Rasterize converts the document into one artifact per page.
//
// A missing or unparseable source file is a permanent failure: retrying
// will not make the document appear or parse. Filesystem errors on the
// output side stay recoverable.
func (r *Rasterizer) Rasterize(ctx context.Context, documentID string, progress pagepipe.ProgressFunc) (*pagepipe.Result, error) {
	source := filepath.Join(r.root, documentID+".pdf")
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return nil, pagepipe.Permanent(fmt.Errorf("source file does not exist: %s", source))
	}

	progress(pagepipe.StageExtractingPages, -1)
	f, reader, err := pdf.Open(source)
	if err != nil {
		return nil, pagepipe.Permanent(fmt.Errorf("unable to parse %s: %w", source, err))
	}
	defer f.Close()

	outDir := filepath.Join(r.out, documentID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	totalPages := reader.NumPage()
	var sizeBytes int64
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// 25..60 covers the page loop.
		progress(pagepipe.StageProcessingPages, 25+35*(pageIndex-1)/totalPages)

		p := reader.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, pagepipe.Permanent(fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err))
		}
		artifact := filepath.Join(outDir, fmt.Sprintf("page-%d.txt", pageIndex))
		if err := os.WriteFile(artifact, []byte(text), 0644); err != nil {
			return nil, err
		}
		sizeBytes += int64(len(text))
	}

	progress(pagepipe.StageUploadingPages, -1)
	progress(pagepipe.StageFinalizing, -1)

	return &pagepipe.Result{
		Key:       documentID,
		PageCount: totalPages,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now(),
	}, nil
}
