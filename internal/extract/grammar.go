package extract

import (
	"regexp"
	"strings"
)

// Match is the raw triplet captured by a grammar.
type Match struct {
	Label string
	Value string
	Unit  string
}

// Matcher inspects one normalized line and reports a match, if any.
type Matcher func(line string) (Match, bool)

// Grammar is a named matcher. Grammars are tried in slice order and the first
// match wins.
type Grammar struct {
	Name  string
	Match Matcher
}

// Grammar names.
const (
	GrammarLabelFirst  = "label-first"
	GrammarUnitSuffix  = "value-unit-suffix"
	GrammarTabular     = "tabular"
	GrammarLabelUnit   = "tabular-label-unit"
	labelWord          = `[\p{L}(][\p{L}\p{N}()/.\-]*`
	labelPattern       = `(` + labelWord + `(?: ` + labelWord + `)*)`
	valuePattern       = `(-?\d+(?:[.,]\d+)*)`
	unitPattern        = `((?:[\p{L}%]|/\p{L})[\p{L}\p{N}/%.³]*)`
	optionalLabelColon = ` ?:? ?`
)

var (
	labelFirstRe = regexp.MustCompile(`^` + labelPattern + optionalLabelColon + valuePattern + ` ` + unitPattern + `$`)
	unitSuffixRe = regexp.MustCompile(`^` + labelPattern + optionalLabelColon + valuePattern + unitPattern + `$`)
	tabularRe    = regexp.MustCompile(`^` + labelPattern + ` ?; ?` + valuePattern + ` ?;? ?` + unitPattern + ` ?;?$`)
	labelUnitRe  = regexp.MustCompile(`^` + labelPattern + ` ?\(` + unitPattern + `\)` + optionalLabelColon + valuePattern + `$`)
)

// DefaultGrammars returns the built-in grammar list in evaluation order:
// "Label: 14.2 g/dL", "Label 14.2g/dL", "Label ; 14.2 ; g/dL" and "Label (g/dL) 14.2".
func DefaultGrammars() []Grammar {
	return []Grammar{
		{Name: GrammarLabelFirst, Match: regexMatcher(labelFirstRe, 1, 2, 3)},
		{Name: GrammarUnitSuffix, Match: regexMatcher(unitSuffixRe, 1, 2, 3)},
		{Name: GrammarTabular, Match: regexMatcher(tabularRe, 1, 2, 3)},
		{Name: GrammarLabelUnit, Match: regexMatcher(labelUnitRe, 1, 3, 2)},
	}
}

func regexMatcher(re *regexp.Regexp, label, value, unit int) Matcher {
	return func(line string) (Match, bool) {
		sub := re.FindStringSubmatch(line)
		if sub == nil {
			return Match{}, false
		}
		m := Match{
			Label: cleanLabel(sub[label]),
			Value: sub[value],
			Unit:  sub[unit],
		}
		if m.Label == "" {
			return Match{}, false
		}
		return m, true
	}
}

func cleanLabel(label string) string {
	return strings.TrimSpace(strings.TrimRight(label, ".:- "))
}
