package ocr

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	horizontalSpace  = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLines       = regexp.MustCompile(`\n{3,}`)
	standaloneLowerL = regexp.MustCompile(`\bl\b`)
	standaloneZero   = regexp.MustCompile(`\b0\b`)
)

// CleanLatin tidies tesseract output for Latin scripts: whitespace is
// collapsed, stray symbols dropped, and a lone "l" or "0" becomes "I" or "O".
func CleanLatin(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.IsDigit(r) || isTextPunct(r) {
			return r
		}
		return -1
	}, text)
	text = collapseWhitespace(text)
	text = replaceLoneL(text)
	text = standaloneZero.ReplaceAllString(text, "O")
	return text
}

// replaceLoneL turns a lone "l" into "I" unless it is an elision such as
// "l'homme".
func replaceLoneL(text string) string {
	matches := standaloneLowerL.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		if next, _ := utf8.DecodeRuneInString(text[m[1]:]); next == '\'' || next == '\u2019' {
			b.WriteString("l")
		} else {
			b.WriteString("I")
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// StripBidi removes bidirectional control characters and collapses whitespace.
func StripBidi(text string) string {
	text = strings.Map(func(r rune) rune {
		if isBidiControl(r) {
			return -1
		}
		return r
	}, text)
	return collapseWhitespace(text)
}

func collapseWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func isTextPunct(r rune) bool {
	return strings.ContainsRune(`.,;:!?'"()[]{}-–—/&%$€£@#*+=<>_`, r) || unicode.Is(unicode.Pi, r) || unicode.Is(unicode.Pf, r)
}

func isBidiControl(r rune) bool {
	switch {
	case r == '\u061c', r == '\u200e', r == '\u200f':
		return true
	case r >= '\u202a' && r <= '\u202e':
		return true
	case r >= '\u2066' && r <= '\u2069':
		return true
	}
	return false
}
