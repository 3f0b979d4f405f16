// Package refdata ships the default alias table and reference range dataset.
package refdata

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"labcore/internal/alias"
	"labcore/pkg/domain"
)

//go:embed aliases.yaml
var aliasesYAML []byte

//go:embed ranges.yaml
var rangesYAML []byte

// RangeDocument is the YAML shape of a reference range dataset.
type RangeDocument struct {
	Version string                  `yaml:"version"`
	Ranges  []domain.ReferenceRange `yaml:"ranges"`
}

// Aliases returns the embedded alias table.
func Aliases() (*alias.Table, error) {
	return alias.Parse(aliasesYAML)
}

// AliasesYAML returns a copy of the embedded alias document.
func AliasesYAML() []byte { return append([]byte(nil), aliasesYAML...) }

// Ranges returns the embedded reference ranges.
func Ranges() ([]domain.ReferenceRange, error) {
	return DecodeRanges(bytes.NewReader(rangesYAML))
}

// LoadRangesFile reads a reference range dataset from disk.
func LoadRangesFile(path string) ([]domain.ReferenceRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ranges: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeRanges(f)
}

// DecodeRanges decodes and validates a range dataset. Every row must satisfy
// ReferenceRange.Validate and carry a unique ID.
func DecodeRanges(r io.Reader) ([]domain.ReferenceRange, error) {
	var doc RangeDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ranges: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Ranges))
	for i, rr := range doc.Ranges {
		if rr.ID == "" {
			return nil, fmt.Errorf("range %d: id required", i)
		}
		if _, dup := seen[rr.ID]; dup {
			return nil, fmt.Errorf("range %s: duplicate id", rr.ID)
		}
		seen[rr.ID] = struct{}{}
		if err := rr.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Ranges, nil
}
