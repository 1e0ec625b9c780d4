package chunking

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200

	// PageBreak separates pages in extracted text.
	PageBreak = '\f'
)

// Splitter cuts text into rune-bounded chunks, preferring paragraph, line,
// sentence and word boundaries in that order.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

type span struct {
	start int
	end   int
}

func (s *Splitter) Split(text string) ([]domain.Chunk, error) {
	text = strings.TrimSpace(text)
	if err := validateText(text); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidDocument, "split text", err)
	}

	runes := []rune(text)
	spans := s.spans(runes)
	pages := pageIndex(runes)

	out := make([]domain.Chunk, 0, len(spans))
	for i, sp := range spans {
		chunk := domain.Chunk{
			Ordinal: i,
			Text:    string(runes[sp.start:sp.end]),
			Start:   sp.start,
			End:     sp.end,
		}
		if pages != nil {
			chunk.Page = pages[sp.start]
		}
		out = append(out, chunk)
	}
	return out, nil
}

func (s *Splitter) spans(runes []rune) []span {
	n := len(runes)
	if n <= s.ChunkSize {
		return []span{{start: 0, end: n}}
	}

	// Every chunk must advance past the overlap, otherwise the next start
	// would not move forward.
	minLen := s.ChunkSize / 2
	if minLen <= s.Overlap {
		minLen = s.Overlap + 1
	}

	out := make([]span, 0, n/(s.ChunkSize-s.Overlap)+1)
	start := 0
	for {
		hardEnd := start + s.ChunkSize
		if hardEnd >= n {
			out = append(out, span{start: start, end: n})
			return out
		}

		end := breakPoint(runes, start+minLen, hardEnd)
		out = append(out, span{start: start, end: end})

		next := end - s.Overlap
		start = alignToWord(runes, next, start, s.Overlap/2)
	}
}

// breakPoint returns the preferred exclusive end in [lo, hi].
func breakPoint(runes []rune, lo, hi int) int {
	levels := []func(p int) bool{
		func(p int) bool {
			return runes[p-1] == PageBreak || (p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n')
		},
		func(p int) bool { return runes[p-1] == '\n' },
		func(p int) bool {
			return p >= 2 && unicode.IsSpace(runes[p-1]) && isSentenceEnd(runes[p-2])
		},
		func(p int) bool { return unicode.IsSpace(runes[p-1]) },
	}
	for _, matches := range levels {
		for p := hi; p >= lo && p >= 1; p-- {
			if matches(p) {
				return p
			}
		}
	}
	return hi
}

// alignToWord moves pos back to the start of the word it falls in, by at
// most window runes and never to or before floor.
func alignToWord(runes []rune, pos, floor, window int) int {
	for p := pos; p > pos-window && p-1 > floor; p-- {
		if unicode.IsSpace(runes[p-1]) {
			return p
		}
	}
	return pos
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。':
		return true
	default:
		return false
	}
}

// pageIndex maps each rune offset to its 1-based page when the text carries
// page breaks.
func pageIndex(runes []rune) []int {
	hasBreaks := false
	for _, r := range runes {
		if r == PageBreak {
			hasBreaks = true
			break
		}
	}
	if !hasBreaks {
		return nil
	}
	out := make([]int, len(runes))
	page := 1
	for i, r := range runes {
		out[i] = page
		if r == PageBreak {
			page++
		}
	}
	return out
}

func validateText(text string) error {
	if text == "" {
		return errors.New("extracted text is empty")
	}
	if !utf8.ValidString(text) {
		return errors.New("extracted text is not valid utf-8")
	}

	total := 0
	control := 0
	for _, r := range text {
		total++
		if r == 0 {
			return errors.New("extracted text contains binary content")
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' && r != PageBreak {
			control++
		}
	}
	if control*10 > total {
		return errors.New("extracted text contains binary content")
	}
	return nil
}
