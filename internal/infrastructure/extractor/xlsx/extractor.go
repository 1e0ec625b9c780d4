// Package xlsx flattens workbook sheets into tab separated text.
package xlsx

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, body []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "xlsx extract", err)
	}
	defer book.Close()

	var out strings.Builder
	for _, sheet := range book.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrExtraction, "xlsx extract", err)
		}
		if len(rows) == 0 {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("# ")
		out.WriteString(sheet)
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if line == "" {
				continue
			}
			out.WriteString("\n")
			out.WriteString(line)
		}
	}
	return out.String(), nil
}
