// Package units canonicalizes laboratory unit spellings and decides whether a
// reading and a reference range are expressed in compatible units.
package units

import "strings"

// group is a set of spellings that denote the same quantity. The first
// spelling of the first unit is canonical.
type group struct {
	name  string
	units [][]string
}

var groups = []group{
	{name: "mass-per-deciliter", units: [][]string{{"g/dL", "g/dl", "gr/dl"}}},
	{name: "mass-per-liter", units: [][]string{{"g/L", "g/l"}}},
	{name: "milligram-per-deciliter", units: [][]string{{"mg/dL", "mg/dl", "mg%"}}},
	{name: "milligram-per-liter", units: [][]string{{"mg/L", "mg/l"}}},
	{name: "percent", units: [][]string{{"%", "percentual", "pct"}}},
	{name: "cells-per-microliter", units: [][]string{
		{"cel/μL", "cel/µl", "cel/ul", "cel/mm3", "cel/mm³", "/mm3", "/mm³", "/μl", "/ul", "células/mm3", "celulas/mm3", "cells/ul"},
	}},
	{name: "milliequivalent-per-liter", units: [][]string{
		{"mEq/L", "meq/l"},
		{"mmol/L", "mmol/l"},
	}},
	{name: "micromole-per-liter", units: [][]string{{"μmol/L", "µmol/l", "umol/l"}}},
	{name: "enzyme-activity", units: [][]string{{"U/L", "u/l", "ui/l", "iu/l"}}},
}

type entry struct {
	canonical string
	group     string
}

var index = buildIndex()

func buildIndex() map[string]entry {
	idx := make(map[string]entry)
	for _, g := range groups {
		for _, spellings := range g.units {
			canonical := spellings[0]
			for _, s := range spellings {
				idx[key(s)] = entry{canonical: canonical, group: g.name}
			}
		}
	}
	return idx
}

func key(unit string) string {
	unit = strings.ReplaceAll(unit, "µ", "μ")
	return strings.ToLower(strings.TrimSpace(unit))
}

// Canonicalize returns the preferred spelling of unit. Unknown units are
// returned trimmed but otherwise untouched.
func Canonicalize(unit string) string {
	if e, ok := index[key(unit)]; ok {
		return e.canonical
	}
	return strings.TrimSpace(unit)
}

// Known reports whether unit is in the built-in table.
func Known(unit string) bool {
	_, ok := index[key(unit)]
	return ok
}

// Compatible reports whether two units measure the same quantity on the same
// scale. An empty unit is compatible with anything, since the reading then
// takes the default unit of its biomarker.
func Compatible(a, b string) bool {
	ka, kb := key(a), key(b)
	if ka == "" || kb == "" {
		return true
	}
	ea, okA := index[ka]
	eb, okB := index[kb]
	if okA && okB {
		return ea.group == eb.group
	}
	return ka == kb
}
