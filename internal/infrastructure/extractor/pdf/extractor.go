// Package pdf pulls the plain text layer out of PDF files page by page.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// PageBreak separates pages in the extracted text.
const PageBreak = "\f"

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, body []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = domain.WrapError(domain.ErrExtraction, "pdf extract", fmt.Errorf("corrupt pdf: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "pdf extract", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", domain.WrapError(domain.ErrExtraction, "pdf extract", fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, strings.TrimSpace(content))
	}
	return strings.Join(pages, PageBreak), nil
}
