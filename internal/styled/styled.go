// Package styled converts inline text markers (*bold*, _italic_, `code`,
// ~strike~, ||spoiler||) into plain text plus Signal text-style spans.
// Span offsets are UTF-16 code units over the stripped text, matching what
// signal-cli expects in its textStyle parameter.
package styled

import (
	"fmt"
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"
)

// Kind identifies a text style.
type Kind string

const (
	Bold          Kind = "BOLD"
	Italic        Kind = "ITALIC"
	Monospace     Kind = "MONOSPACE"
	Strikethrough Kind = "STRIKETHROUGH"
	Spoiler       Kind = "SPOILER"
)

// Span is one styled range over the stripped plain text.
type Span struct {
	Kind   Kind
	Start  int // UTF-16 code units
	Length int // UTF-16 code units
}

// Wire renders the span in signal-cli's "start:length:STYLE" form.
func (s Span) Wire() string {
	return fmt.Sprintf("%d:%d:%s", s.Start, s.Length, s.Kind)
}

var (
	codePattern         = regexp.MustCompile("`([^`\n]+)`")
	spoilerPattern      = regexp.MustCompile(`\|\|([^\n]+?)\|\|`)
	strikeDoublePattern = regexp.MustCompile(`~~([^~\n]+)~~`)
	strikeSinglePattern = regexp.MustCompile(`~([^~\n]+)~`)
	boldPattern         = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicPattern       = regexp.MustCompile(`_([^_\n]+)_`)
)

type marker struct {
	start, end           int // byte range including delimiters
	innerStart, innerEnd int // byte range of the content
	kind                 Kind
}

// Parse strips style markers from text and returns the plain text plus the
// style spans, sorted by start offset. Precedence is fixed: code spans claim
// their whole range first, protecting their interior from re-parsing. Every
// other kind claims only its delimiter bytes, so lower-precedence markers
// inside its content still match and the spans nest. A candidate overlapping
// any claimed index is discarded; lone markers stay literal text.
func Parse(text string) (string, []Span) {
	if text == "" {
		return "", nil
	}

	claimed := make([]bool, len(text))
	claim := func(from, to int) {
		for i := from; i < to; i++ {
			claimed[i] = true
		}
	}

	var marks []marker
	collect := func(kind Kind, pat *regexp.Regexp, boundary func(start, end int) bool) {
		for _, m := range pat.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if overlaps(claimed, start, end) {
				continue
			}
			if boundary != nil && !boundary(start, end) {
				continue
			}
			innerStart, innerEnd := m[2], m[3]
			if kind == Monospace {
				claim(start, end)
			} else {
				claim(start, innerStart)
				claim(innerEnd, end)
			}
			marks = append(marks, marker{start: start, end: end, innerStart: innerStart, innerEnd: innerEnd, kind: kind})
		}
	}

	collect(Monospace, codePattern, nil)
	collect(Spoiler, spoilerPattern, nil)
	collect(Strikethrough, strikeDoublePattern, nil)
	collect(Strikethrough, strikeSinglePattern, nil)
	collect(Bold, boldPattern, func(start, end int) bool {
		// Exactly one asterisk on each side: **double** is never bold.
		if start > 0 && text[start-1] == '*' {
			return false
		}
		if end < len(text) && text[end] == '*' {
			return false
		}
		return true
	})
	collect(Italic, italicPattern, func(start, end int) bool {
		// Underscores inside identifiers (a_b_c) are not emphasis: the
		// delimiters need a non-word character or string edge outside.
		if start > 0 {
			if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWord(r) {
				return false
			}
		}
		if end < len(text) {
			if r, _ := utf8.DecodeRuneInString(text[end:]); isWord(r) {
				return false
			}
		}
		return true
	})

	if len(marks) == 0 {
		return text, nil
	}

	// Delimiter bytes of accepted marks disappear from the output.
	strip := make([]bool, len(text))
	for _, m := range marks {
		for i := m.start; i < m.innerStart; i++ {
			strip[i] = true
		}
		for i := m.innerEnd; i < m.end; i++ {
			strip[i] = true
		}
	}

	// unitsAt[i] is the UTF-16 length of the stripped output preceding
	// original byte offset i. Mark bounds always sit on ASCII delimiters,
	// so only rune-boundary entries are ever read.
	unitsAt := make([]int, len(text)+1)
	out := make([]byte, 0, len(text))
	units := 0
	for i := 0; i < len(text); {
		unitsAt[i] = units
		r, size := utf8.DecodeRuneInString(text[i:])
		if !strip[i] {
			out = append(out, text[i:i+size]...)
			if r >= 0x10000 {
				units += 2
			} else {
				units++
			}
		}
		i += size
	}
	unitsAt[len(text)] = units

	spans := make([]Span, 0, len(marks))
	for _, m := range marks {
		spans = append(spans, Span{
			Kind:   m.kind,
			Start:  unitsAt[m.innerStart],
			Length: unitsAt[m.innerEnd] - unitsAt[m.innerStart],
		})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		if spans[i].Length != spans[j].Length {
			// Outer span before its nested spans.
			return spans[i].Length > spans[j].Length
		}
		return spans[i].Kind < spans[j].Kind
	})

	return string(out), spans
}

func overlaps(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
