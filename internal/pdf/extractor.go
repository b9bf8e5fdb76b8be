// Package pdf extracts ordered page texts from uploaded PDF bytes.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/studyloop/ingestd/internal/content"
)

// Extractor converts raw document bytes into ordered page texts.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]content.PageText, error)
}

// pdfMagic is the byte signature every PDF starts with.
var pdfMagic = []byte("%PDF-")

// SniffPDF reports whether data carries the PDF byte signature.
func SniffPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// AllBlank reports whether every page text is empty or whitespace-only.
func AllBlank(pages []content.PageText) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

// Reader extracts text with the ledongthuc/pdf parser.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Extract parses data and returns one PageText per page, in page order.
// Pages whose text cannot be decoded are returned with empty text rather
// than failing the whole document.
func (r *Reader) Extract(ctx context.Context, data []byte) ([]content.PageText, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing pdf: %w", err)
	}

	n := doc.NumPage()
	pages := make([]content.PageText, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := doc.Page(i)
		if page.V.IsNull() {
			pages = append(pages, content.PageText{Page: i})
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single undecodable page should not sink the document.
			pages = append(pages, content.PageText{Page: i})
			continue
		}
		pages = append(pages, content.PageText{Page: i, Text: text})
	}

	return pages, nil
}
