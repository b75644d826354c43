// Package pdfdoc reads PDF files on local disk: page counts, page-subset rendering for OCR input, and
// offline text extraction used when OCR gives up.
package pdfdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

const MIMEType = "application/pdf"

var (
	// ErrNotFound is returned when the file behind a Source no longer exists.
	ErrNotFound = errors.New("document not found")
	// ErrOutOfRange is returned for page numbers outside [1, pageCount].
	ErrOutOfRange = errors.New("page out of range")
)

// Source is a PDF file on local disk. The file is reopened for every operation, so a Source is safe
// for concurrent use.
type Source struct {
	path     string
	identity models.DocumentIdentity
}

// Open builds a Source whose identity is the file's base name, size and modification time.
func Open(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &Source{
		path: path,
		identity: models.DocumentIdentity{
			Name:    filepath.Base(path),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		},
	}, nil
}

// OpenWithIdentity builds a Source for a local copy of a document whose identity comes from elsewhere,
// e.g. a downloaded GCS object.
func OpenWithIdentity(path string, identity models.DocumentIdentity) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &Source{path: path, identity: identity}, nil
}

func (s *Source) Identity() models.DocumentIdentity { return s.identity }

func (s *Source) MIMEType() string { return MIMEType }

func (s *Source) Path() string { return s.path }

func (s *Source) PageCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := s.open()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := api.PageCount(f, newConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// RenderSubset writes a standalone PDF holding exactly pages, in the given order.
func (s *Source) RenderSubset(ctx context.Context, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: empty page selection", ErrOutOfRange)
	}
	count, err := s.PageCount(ctx)
	if err != nil {
		return nil, err
	}
	selected := make([]string, len(pages))
	for i, p := range pages {
		if p < 1 || p > count {
			return nil, fmt.Errorf("%w: page %d of %d", ErrOutOfRange, p, count)
		}
		selected[i] = strconv.Itoa(p)
	}

	f, err := s.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := api.Collect(f, &buf, selected, newConfig()); err != nil {
		return nil, fmt.Errorf("failed to collect pages %v: %w", pages, err)
	}
	return buf.Bytes(), nil
}

// ExtractOffline pulls the text of one page without an LLM. It tries layout-aware extraction first, then a
// raw scan of the content stream, and finally returns a placeholder naming the error. The only error it
// returns is ErrNotFound (or a context error): a missing document cannot be recovered by any fallback.
func (s *Source) ExtractOffline(ctx context.Context, page int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	logCtx := slog.With("document", s.identity.Name, "page", page)

	text, err := extractStructured(s.path, page)
	if err == nil && text != "" {
		return text, nil
	}
	if err != nil {
		logCtx.Warn("Structured extraction failed, trying raw content.", "error", err)
	}

	raw, rawErr := extractRaw(s.path, page, newConfig())
	if rawErr != nil {
		if err == nil {
			// Structured extraction worked but found nothing; the page has no text layer.
			return text, nil
		}
		logCtx.Warn("Raw extraction failed.", "error", rawErr)
		return fmt.Sprintf("[Error extracting text from page %d: %v]", page, rawErr), nil
	}
	return raw, nil
}

func (s *Source) open() (*os.File, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	return f, nil
}

// newConfig returns a fresh configuration per call; pdfcpu writes to it while processing.
func newConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}
