// Package extractor turns uploaded bytes into plain text by MIME type.
package extractor

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor/docx"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor/html"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/ragcore/internal/infrastructure/extractor/xlsx"
)

const (
	MIMEPlain    = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMECSV      = "text/csv"
	MIMEHTML     = "text/html"
	MIMEPDF      = "application/pdf"
	MIMEDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var extensionTypes = map[string]string{
	".txt":      MIMEPlain,
	".text":     MIMEPlain,
	".log":      MIMEPlain,
	".md":       MIMEMarkdown,
	".markdown": MIMEMarkdown,
	".csv":      MIMECSV,
	".htm":      MIMEHTML,
	".html":     MIMEHTML,
	".pdf":      MIMEPDF,
	".docx":     MIMEDOCX,
	".xlsx":     MIMEXLSX,
}

// Format extracts text from one document format.
type Format interface {
	Extract(ctx context.Context, body []byte) (string, error)
}

type Registry struct {
	formats map[string]Format
}

// NewRegistry registers every built-in format.
func NewRegistry() *Registry {
	text := plaintext.NewExtractor()
	return &Registry{formats: map[string]Format{
		MIMEPlain:    text,
		MIMEMarkdown: text,
		MIMECSV:      text,
		MIMEHTML:     html.NewExtractor(),
		MIMEPDF:      pdf.NewExtractor(),
		MIMEDOCX:     docx.NewExtractor(),
		MIMEXLSX:     xlsx.NewExtractor(),
	}}
}

func (r *Registry) Register(mimeType string, format Format) {
	r.formats[normalizeMIME(mimeType)] = format
}

func (r *Registry) Supports(mimeType string) bool {
	_, ok := r.formats[normalizeMIME(mimeType)]
	return ok
}

func (r *Registry) Extract(ctx context.Context, body []byte, mimeType string) (string, error) {
	mimeType = normalizeMIME(mimeType)
	format, ok := r.formats[mimeType]
	if !ok {
		return "", domain.WrapError(domain.ErrExtraction, "extract", fmt.Errorf("unsupported mime type %q", mimeType))
	}
	if len(body) == 0 {
		return "", domain.WrapError(domain.ErrExtraction, "extract", fmt.Errorf("empty %s document", mimeType))
	}
	text, err := format.Extract(ctx, body)
	if err != nil {
		if domain.IsKind(err, domain.ErrExtraction) || ctx.Err() != nil {
			return "", err
		}
		return "", domain.WrapError(domain.ErrExtraction, "extract", err)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text, nil
}

// ResolveMIME prefers the declared type and falls back to the file
// extension when the declared type is missing or generic.
func ResolveMIME(filename, declared string) string {
	declared = normalizeMIME(declared)
	if declared != "" && declared != "application/octet-stream" && declared != "binary/octet-stream" {
		return declared
	}
	if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	return "application/octet-stream"
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		return parsed
	}
	return strings.ToLower(mimeType)
}
