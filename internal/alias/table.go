// Package alias resolves raw biomarker labels to canonical identities using a
// static, versioned table loaded once at start-up.
package alias

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned when an alias document violates table invariants.
var ErrInvalidTable = errors.New("invalid alias table")

// Entry is the canonical identity a label resolves to.
type Entry struct {
	CanonicalName  string
	NormalizedCode string
	// DefaultUnit is assumed when a reading carries no recognizable unit.
	DefaultUnit string
}

// Document is the YAML shape of an alias table.
type Document struct {
	Version    string          `yaml:"version"`
	Biomarkers []DocumentEntry `yaml:"biomarkers"`
}

// DocumentEntry lists the aliases of one biomarker.
type DocumentEntry struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Unit    string   `yaml:"unit"`
	Aliases []string `yaml:"aliases"`
}

// Table is an immutable alias lookup. Construct it with Parse, Load or New.
type Table struct {
	version string
	byAlias map[string]Entry
	byCode  map[string]Entry
	codes   []string
}

// Parse decodes a YAML alias document.
func Parse(data []byte) (*Table, error) {
	return Load(bytes.NewReader(data))
}

// LoadFile reads an alias document from disk.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open alias table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes a YAML alias document from r.
func Load(r io.Reader) (*Table, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode alias table: %w", err)
	}
	return New(doc)
}

// New validates doc and builds the lookup. Codes must be unique and map to a
// single canonical name; an alias may not point at two different codes.
func New(doc Document) (*Table, error) {
	if len(doc.Biomarkers) == 0 {
		return nil, fmt.Errorf("%w: no biomarkers", ErrInvalidTable)
	}
	t := &Table{
		version: doc.Version,
		byAlias: make(map[string]Entry),
		byCode:  make(map[string]Entry, len(doc.Biomarkers)),
		codes:   make([]string, 0, len(doc.Biomarkers)),
	}
	for i, b := range doc.Biomarkers {
		code := strings.TrimSpace(b.Code)
		name := strings.TrimSpace(b.Name)
		if code == "" || name == "" {
			return nil, fmt.Errorf("%w: entry %d needs code and name", ErrInvalidTable, i)
		}
		if prev, ok := t.byCode[code]; ok {
			return nil, fmt.Errorf("%w: code %s declared twice (%s, %s)", ErrInvalidTable, code, prev.CanonicalName, name)
		}
		entry := Entry{CanonicalName: name, NormalizedCode: code, DefaultUnit: strings.TrimSpace(b.Unit)}
		t.byCode[code] = entry
		t.codes = append(t.codes, code)

		keys := append([]string{name, code}, b.Aliases...)
		for _, raw := range keys {
			key := Fold(raw)
			if key == "" {
				return nil, fmt.Errorf("%w: empty alias for code %s", ErrInvalidTable, code)
			}
			if prev, ok := t.byAlias[key]; ok && prev.NormalizedCode != code {
				return nil, fmt.Errorf("%w: alias %q maps to both %s and %s", ErrInvalidTable, key, prev.NormalizedCode, code)
			}
			t.byAlias[key] = entry
		}
	}
	return t, nil
}

// Version returns the table version string.
func (t *Table) Version() string { return t.version }

// Len returns the number of distinct alias keys.
func (t *Table) Len() int { return len(t.byAlias) }

// Codes returns the normalized codes in declaration order.
func (t *Table) Codes() []string {
	out := make([]string, len(t.codes))
	copy(out, t.codes)
	return out
}

// Lookup returns the entry registered for a normalized code.
func (t *Table) Lookup(code string) (Entry, bool) {
	e, ok := t.byCode[code]
	return e, ok
}

// Resolve maps a raw label by exact folded match. There is no fuzzy matching.
func (t *Table) Resolve(rawLabel string) (Entry, bool) {
	key := Fold(rawLabel)
	if key == "" {
		return Entry{}, false
	}
	e, ok := t.byAlias[key]
	return e, ok
}
