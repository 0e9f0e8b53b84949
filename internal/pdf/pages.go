// Package pdfutil prepares uploaded PDFs for page-by-page OCR: optimize,
// count, split into single-page files, and pull out per-page artifacts.
package pdfutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ledong "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Document is a split PDF staged in a temp directory. Close removes the
// directory and everything extracted into it.
type Document struct {
	workDir   string
	splitBase string
	pageCount int
	raw       []byte
}

// Prepare writes the PDF to a temp dir, optimizes it with relaxed validation
// (scans from phone apps are often slightly malformed), and splits it into
// one file per page.
func Prepare(data []byte) (*Document, error) {
	workDir, err := os.MkdirTemp("", "ocrdrop-pages-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	cleanup := func(err error) (*Document, error) {
		os.RemoveAll(workDir)
		return nil, err
	}

	source := filepath.Join(workDir, "source.pdf")
	if err := os.WriteFile(source, data, 0o600); err != nil {
		return cleanup(fmt.Errorf("write source pdf: %w", err))
	}

	optimized := filepath.Join(workDir, "optimized.pdf")
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(source, optimized, conf); err != nil {
		return cleanup(fmt.Errorf("optimize pdf: %w", err))
	}

	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return cleanup(fmt.Errorf("page count: %w", err))
	}
	if pageCount == 0 {
		return cleanup(fmt.Errorf("pdf has no pages"))
	}

	if err := api.SplitFile(optimized, workDir, 1, conf); err != nil {
		return cleanup(fmt.Errorf("split pdf: %w", err))
	}

	return &Document{
		workDir:   workDir,
		splitBase: strings.TrimSuffix(optimized, filepath.Ext(optimized)),
		pageCount: pageCount,
		raw:       data,
	}, nil
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int { return d.pageCount }

// Raw returns the original PDF bytes, for providers that take whole documents.
func (d *Document) Raw() []byte { return d.raw }

// PagePDF returns the single-page PDF for the given 1-based page number.
func (d *Document) PagePDF(page int) ([]byte, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s_%d.pdf", d.splitBase, page))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	return data, nil
}

// PageImage extracts the embedded scan image from a page. Scanned documents
// carry the whole page as one raster image; when several images are embedded
// the largest is assumed to be the page scan. Returns the image bytes and
// MIME type.
func (d *Document) PageImage(page int) ([]byte, string, error) {
	pagePath := fmt.Sprintf("%s_%d.pdf", d.splitBase, page)
	imgDir := filepath.Join(d.workDir, fmt.Sprintf("images-%d", page))
	if err := os.MkdirAll(imgDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create image dir: %w", err)
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ExtractImagesFile(pagePath, imgDir, nil, conf); err != nil {
		return nil, "", fmt.Errorf("extract images from page %d: %w", page, err)
	}

	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, "", fmt.Errorf("list extracted images: %w", err)
	}
	var bestPath string
	var bestSize int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestSize = info.Size()
			bestPath = filepath.Join(imgDir, entry.Name())
		}
	}
	if bestPath == "" {
		return nil, "", fmt.Errorf("page %d contains no embedded image", page)
	}

	img, err := os.ReadFile(bestPath)
	if err != nil {
		return nil, "", fmt.Errorf("read extracted image: %w", err)
	}
	return img, imageMIME(bestPath), nil
}

// TextLayer returns the embedded text of a page, if the PDF carries one.
// Documents produced by print-to-PDF have a text layer and can skip OCR
// entirely; pure scans return ok=false.
func (d *Document) TextLayer(page int) (string, bool) {
	reader, err := ledong.NewReader(bytes.NewReader(d.raw), int64(len(d.raw)))
	if err != nil {
		return "", false
	}
	if page < 1 || page > reader.NumPage() {
		return "", false
	}
	p := reader.Page(page)
	if p.V.IsNull() {
		return "", false
	}
	content, err := p.GetPlainText(nil)
	if err != nil {
		return "", false
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", false
	}
	return content, true
}

// Close removes the staging directory.
func (d *Document) Close() error {
	return os.RemoveAll(d.workDir)
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}
