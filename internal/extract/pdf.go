// Package extract recovers invoice fields (vendor, amount, due date, terms)
// from PDF attachments. Extraction is best effort: anything it cannot find
// stays unset and the pipeline continues without it.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxPages caps how deep into a document text extraction reads.
// Invoice data lives on the first pages; appendices are not worth parsing.
const DefaultMaxPages = 5

// Text pulls plain text from the first maxPages pages of a PDF. The
// underlying parser panics on some malformed files, so the call is fenced
// with recover and those surface as errors.
func Text(data []byte, maxPages int) (text string, err error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	n := r.NumPage()
	if n > maxPages {
		n = maxPages
	}

	var b strings.Builder
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		s, err := page.GetPlainText(nil)
		if err != nil {
			// Keep whatever earlier pages yielded.
			continue
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// FromPDF extracts text and parses fields in one step. Parse failures
// degrade to empty fields rather than an error; the returned text may be
// useful to callers even when no fields were recognized.
func FromPDF(data []byte) (Fields, string) {
	text, err := Text(data, DefaultMaxPages)
	if err != nil || text == "" {
		return Fields{}, ""
	}
	return ParseFields(text), text
}
