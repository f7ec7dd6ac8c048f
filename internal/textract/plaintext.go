package textract

import (
	"bytes"
	"context"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// PlainText reads text files. UTF-8 is passed through; a UTF-16 byte order
// mark selects UTF-16; anything else is decoded as GB18030, the superset of
// GBK used by most court document exports.
type PlainText struct{}

// ExtractText implements Extractor.
func (PlainText) ExtractText(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "textract: read %s", path)
	}
	return Decode(data)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts raw file bytes to a UTF-8 string.
func Decode(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(simplifiedchinese.GB18030.NewDecoder()), data)
	if err != nil {
		return "", eris.Wrap(err, "textract: decode text")
	}
	return string(out), nil
}
