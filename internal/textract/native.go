package textract

import (
	"context"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
)

// Native extracts the text layer of a PDF in-process. The file is first
// validated with pdfcpu so that corrupt or encrypted files fail fast with a
// clear cause instead of yielding empty text.
type Native struct{}

// NewNative creates a Native extractor.
func NewNative() *Native { return &Native{} }

// ExtractText implements Extractor. Pages are joined with a blank line.
func (n *Native) ExtractText(ctx context.Context, path string) (string, error) {
	if _, err := PageCount(path); err != nil {
		return "", err
	}

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "textract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", eris.Wrapf(err, "textract: page %d of %s", i, path)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return "", eris.Errorf("textract: %s has no text layer", path)
	}
	return strings.Join(pages, "\n\n"), nil
}

// PageCount validates the PDF at path and returns its page count.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "textract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "textract: invalid PDF %s", path)
	}
	if n == 0 {
		return 0, eris.Errorf("textract: %s has no pages", path)
	}
	return n, nil
}
