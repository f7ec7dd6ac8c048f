// Package textract turns source documents (PDF, plain text) into raw text.
package textract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/legalkg/internal/config"
)

// ErrUnreadable matches every extraction failure. A document that fails
// extraction is skipped; its siblings in a batch are unaffected.
var ErrUnreadable = eris.New("textract: unreadable document")

// UnreadableError carries the path and cause of a failed extraction.
type UnreadableError struct {
	Path string
	Err  error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("textract: unreadable document %s: %v", e.Path, e.Err)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnreadable) hold for every UnreadableError.
func (e *UnreadableError) Is(target error) bool { return target == ErrUnreadable }

func unreadable(path string, err error) error {
	return &UnreadableError{Path: path, Err: err}
}

// Extractor extracts text content from a document.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

var textExts = map[string]bool{".txt": true, ".md": true, ".text": true}

// Supported reports whether path has an extension the router handles.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".pdf" || textExts[ext]
}

// Router sends plain text files to PlainText and PDFs to the configured
// PDF extractor.
type Router struct {
	PDF  Extractor
	Text Extractor
}

// ExtractText implements Extractor.
func (r *Router) ExtractText(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var (
		text string
		err  error
	)
	switch {
	case textExts[ext]:
		text, err = r.Text.ExtractText(ctx, path)
	case ext == ".pdf":
		text, err = r.PDF.ExtractText(ctx, path)
	default:
		return "", unreadable(path, eris.Errorf("unsupported file type %q", ext))
	}
	if err != nil {
		return "", unreadable(path, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", unreadable(path, eris.New("no text content"))
	}
	return text, nil
}

// New creates a Router whose PDF extractor is chosen by cfg.Provider.
func New(cfg config.TextractConfig) (*Router, error) {
	var pdf Extractor
	switch cfg.Provider {
	case "native", "":
		pdf = NewNative()
	case "pdftotext", "local":
		pdf = NewPdfToText(cfg.PdfToTextPath)
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("textract: mistral provider requires textract.mistral_api_key")
		}
		pdf = NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
	default:
		return nil, eris.Errorf("textract: unknown provider %q", cfg.Provider)
	}
	return &Router{PDF: pdf, Text: PlainText{}}, nil
}
