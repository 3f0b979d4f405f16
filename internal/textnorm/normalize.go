// Package textnorm turns raw OCR output into canonical, line-oriented text.
//
// Normalization is a pure function: encoding repair, Unicode composition,
// whitespace collapsing, allow-list filtering and decimal separator rewriting
// are applied in a fixed order so that the same input always yields the same
// lines and already-normalized text passes through unchanged.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"labcore/pkg/domain"
)

// allowedPunct lists the non-alphanumeric characters kept on a line.
const allowedPunct = ".,:;/%-()"

// Normalize returns the ordered, non-empty normalized lines of raw. Empty or
// whitespace-only input is rejected with KindInvalidInput.
func Normalize(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "raw text is empty")
	}
	text := norm.NFC.String(RepairEncoding(raw))
	text = unifyLineBreaks(text)

	parts := strings.Split(text, "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		line := NormalizeLine(part)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Text is Normalize joined back with newlines.
func Text(raw string) (string, error) {
	lines, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// NormalizeLine cleans a single line. The result is empty when the line has
// no letter or digit left after filtering.
func NormalizeLine(line string) string {
	filtered := strings.Map(func(r rune) rune {
		switch {
		case isSpace(r):
			return ' '
		case unicode.IsLetter(r), unicode.IsNumber(r), strings.ContainsRune(allowedPunct, r):
			return r
		default:
			return -1
		}
	}, line)
	filtered = DecimalPoints(filtered)
	filtered = strings.Join(strings.Fields(filtered), " ")
	if !hasAlnum(filtered) {
		return ""
	}
	return filtered
}

// DecimalPoints rewrites a comma that sits between two ASCII digits to a dot.
// Digits are inspected on the input, so "1,2,3" becomes "1.2.3" in one pass.
func DecimalPoints(s string) string {
	if !strings.Contains(s, ",") {
		return s
	}
	rs := []rune(s)
	out := make([]rune, len(rs))
	copy(out, rs)
	for i := 1; i+1 < len(rs); i++ {
		if rs[i] == ',' && isDigit(rs[i-1]) && isDigit(rs[i+1]) {
			out[i] = '.'
		}
	}
	return string(out)
}

// RepairEncoding keeps valid UTF-8 sequences and decodes every invalid byte
// as ISO-8859-1, the usual encoding of scanner software that emits accented
// Portuguese labels.
func RepairEncoding(raw string) string {
	if utf8.ValidString(raw) {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRuneInString(raw[i:])
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(charmap.ISO8859_1.DecodeByte(raw[i]))
			i++
			continue
		}
		b.WriteString(raw[i : i+size])
		i += size
	}
	return b.String()
}

func unifyLineBreaks(s string) string {
	return strings.NewReplacer(
		"\r\n", "\n",
		"\r", "\n",
		"\f", "\n",
		"\v", "\n",
		"\u2028", "\n",
		"\u2029", "\n",
		"\u0085", "\n",
	).Replace(s)
}

func isSpace(r rune) bool {
	switch r {
	case '\u00a0', '\u2007', '\u202f', '\ufeff', '\u200b':
		return true
	}
	return unicode.IsSpace(r)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
