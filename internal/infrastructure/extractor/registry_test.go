package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

func TestResolveMIME(t *testing.T) {
	cases := []struct {
		filename string
		declared string
		want     string
	}{
		{"notes.txt", "text/plain; charset=utf-8", MIMEPlain},
		{"report.pdf", "application/octet-stream", MIMEPDF},
		{"report.PDF", "", MIMEPDF},
		{"sheet.xlsx", "", MIMEXLSX},
		{"page.html", "text/html", MIMEHTML},
		{"letter.docx", MIMEDOCX, MIMEDOCX},
		{"archive.bin", "", "application/octet-stream"},
		{"image.png", "image/png", "image/png"},
	}
	for _, tc := range cases {
		if got := ResolveMIME(tc.filename, tc.declared); got != tc.want {
			t.Fatalf("ResolveMIME(%q, %q) = %q, want %q", tc.filename, tc.declared, got, tc.want)
		}
	}
}

func TestExtractPlainTextNormalizesLineEndings(t *testing.T) {
	text, err := NewRegistry().Extract(context.Background(), []byte("\xEF\xBB\xBFline one\r\nline two\rline three"), "text/plain")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "line one\nline two\nline three" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractRejectsUnsupportedMIME(t *testing.T) {
	_, err := NewRegistry().Extract(context.Background(), []byte("data"), "image/png")
	if !domain.IsKind(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractRejectsInvalidUTF8(t *testing.T) {
	_, err := NewRegistry().Extract(context.Background(), []byte{0xff, 0xfe, 0x00, 0x01}, MIMEPlain)
	if !domain.IsKind(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractRejectsEmptyBody(t *testing.T) {
	_, err := NewRegistry().Extract(context.Background(), nil, MIMEPlain)
	if !domain.IsKind(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractCorruptPDFIsExtractionError(t *testing.T) {
	_, err := NewRegistry().Extract(context.Background(), []byte("%PDF-1.4 truncated garbage"), MIMEPDF)
	if !domain.IsKind(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractDOCXParagraphs(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Refund policy</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Returns within </w:t></w:r><w:r><w:t>30 days.</w:t></w:r></w:p>
</w:body>
</w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	text, err := NewRegistry().Extract(context.Background(), buf.Bytes(), MIMEDOCX)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "Refund policy\nReturns within 30 days." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractDOCXWithoutDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, _ = zw.Create("other.xml")
	_ = zw.Close()

	_, err := NewRegistry().Extract(context.Background(), buf.Bytes(), MIMEDOCX)
	if !domain.IsKind(err, domain.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestExtractXLSXRows(t *testing.T) {
	book := excelize.NewFile()
	defer book.Close()
	_ = book.SetCellValue("Sheet1", "A1", "sku")
	_ = book.SetCellValue("Sheet1", "B1", "price")
	_ = book.SetCellValue("Sheet1", "A2", "A-100")
	_ = book.SetCellValue("Sheet1", "B2", 42)
	var buf bytes.Buffer
	if err := book.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	text, err := NewRegistry().Extract(context.Background(), buf.Bytes(), MIMEXLSX)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "# Sheet1\nsku\tprice\nA-100\t42" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractHTMLDropsScriptsAndKeepsBlocks(t *testing.T) {
	page := `<html><head><title>t</title><style>p{}</style></head>
<body><h1>Shipping</h1><script>var x = 1;</script><p>Orders ship in <b>two</b> days.</p>
<table><tr><td>EU</td><td>5 days</td></tr></table></body></html>`
	text, err := NewRegistry().Extract(context.Background(), []byte(page), MIMEHTML)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if strings.Contains(text, "var x") || strings.Contains(text, "p{}") {
		t.Fatalf("script or style leaked: %q", text)
	}
	want := "Shipping\nOrders ship in two days.\nEU 5 days"
	if text != want {
		t.Fatalf("unexpected text %q, want %q", text, want)
	}
}
