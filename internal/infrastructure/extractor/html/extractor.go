// Package html strips markup and keeps the visible text of a page.
package html

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Svg:      true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
}

func (e *Extractor) Extract(_ context.Context, body []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	var (
		out   strings.Builder
		line  strings.Builder
		depth int
	)
	endLine := func() {
		text := strings.Join(strings.Fields(line.String()), " ")
		line.Reset()
		if text == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(text)
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return "", domain.WrapError(domain.ErrExtraction, "html extract", err)
			}
			endLine()
			return out.String(), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokenizer.Token()
			if skipped[tok.DataAtom] && tok.Type == html.StartTagToken {
				depth++
			}
			if blocks[tok.DataAtom] {
				endLine()
			} else if tok.DataAtom == atom.Td || tok.DataAtom == atom.Th {
				line.WriteString(" ")
			}
		case html.EndTagToken:
			tok := tokenizer.Token()
			if skipped[tok.DataAtom] && depth > 0 {
				depth--
			}
			if blocks[tok.DataAtom] {
				endLine()
			}
		case html.TextToken:
			if depth == 0 {
				line.Write(tokenizer.Text())
			}
		}
	}
}
