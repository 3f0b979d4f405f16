// Command refdata-check validates an alias table and a reference range dataset
// against each other before they are loaded into a range store.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"labcore/internal/alias"
	"labcore/internal/pipeline"
	"labcore/internal/ranges"
	"labcore/internal/refdata"
	"labcore/internal/units"
	"labcore/pkg/domain"
)

var exitFunc = os.Exit

// Finding is one problem found in the reference data. Errors fail the check;
// warnings fail it only under -strict.
type Finding struct {
	Code    string
	Message string
	Warning bool
}

func (f Finding) String() string {
	level := "error"
	if f.Warning {
		level = "warning"
	}
	return fmt.Sprintf("%s: %s: %s", level, f.Code, f.Message)
}

// main runs the command-line interface using the program arguments and exits
// the process with the status code returned by cli.
func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("refdata-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var aliasesPath, rangesPath string
	var strict bool
	fs.StringVar(&aliasesPath, "aliases", "", "alias table YAML (embedded table when empty)")
	fs.StringVar(&rangesPath, "ranges", "", "reference range YAML (embedded dataset when empty)")
	fs.BoolVar(&strict, "strict", false, "treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	findings, err := run(aliasesPath, rangesPath)
	if err != nil {
		fmt.Fprintf(stderr, "Reference data validation failed: %v\n", err)
		return 1
	}
	failed := false
	for _, f := range findings {
		fmt.Fprintln(stderr, f.String())
		if !f.Warning || strict {
			failed = true
		}
	}
	if failed {
		fmt.Fprintf(stderr, "Reference data validation failed: %d finding(s).\n", len(findings))
		return 1
	}
	fmt.Fprintln(stdout, "Reference data validation passed.")
	return 0
}

// validatePath ensures a data file path is relative and does not climb out of
// the working directory.
func validatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	return clean, nil
}

func run(aliasesPath, rangesPath string) ([]Finding, error) {
	tbl, err := loadAliases(aliasesPath)
	if err != nil {
		return nil, err
	}
	rows, err := loadRanges(rangesPath)
	if err != nil {
		return nil, err
	}
	return check(tbl, rows), nil
}

func loadAliases(path string) (*alias.Table, error) {
	if path == "" {
		return refdata.Aliases()
	}
	safe, err := validatePath(path)
	if err != nil {
		return nil, err
	}
	return alias.LoadFile(safe)
}

func loadRanges(path string) ([]domain.ReferenceRange, error) {
	if path == "" {
		return refdata.Ranges()
	}
	safe, err := validatePath(path)
	if err != nil {
		return nil, err
	}
	return refdata.LoadRangesFile(safe)
}

// check cross-validates the alias table and range rows:
// every range code must be known, its unit must match the biomarker default,
// no patient may hit an ambiguous pair of rows, and every biomarker should
// have at least one active range.
func check(tbl *alias.Table, rows []domain.ReferenceRange) []Finding {
	var findings []Finding
	byCode := make(map[string][]domain.ReferenceRange)
	for _, row := range rows {
		entry, ok := tbl.Lookup(row.NormalizedCode)
		if !ok {
			findings = append(findings, Finding{Code: row.NormalizedCode, Message: fmt.Sprintf("range %s references a code missing from the alias table", row.ID)})
			continue
		}
		if entry.DefaultUnit != "" && !units.Compatible(row.Unit, entry.DefaultUnit) {
			findings = append(findings, Finding{Code: row.NormalizedCode, Message: fmt.Sprintf("range %s unit %q is incompatible with %q", row.ID, row.Unit, entry.DefaultUnit)})
		}
		if !row.Active {
			continue
		}
		byCode[row.NormalizedCode] = append(byCode[row.NormalizedCode], row)
	}
	for _, code := range tbl.Codes() {
		active := byCode[code]
		if len(active) == 0 {
			findings = append(findings, Finding{Code: code, Message: "no active reference range", Warning: true})
			continue
		}
		findings = append(findings, ambiguities(code, active)...)
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Code < findings[j].Code })
	return findings
}

// ambiguities probes every patient age for both sexes and reports the age
// spans where row selection cannot pick a single range.
func ambiguities(code string, rows []domain.ReferenceRange) []Finding {
	var out []Finding
	for _, sex := range []domain.Sex{domain.SexFemale, domain.SexMale} {
		start := -1
		var candidates string
		flush := func(end int) {
			if start < 0 {
				return
			}
			out = append(out, Finding{Code: code, Message: fmt.Sprintf("sex %s ages %d-%d: ambiguous rows %s", sex, start, end, candidates)})
			start = -1
		}
		for age := 0; age <= pipeline.MaxPatientAge; age++ {
			_, err := ranges.Select(rows, ranges.Query{Code: code, Sex: sex, Age: age})
			if domain.KindOf(err) != domain.KindAmbiguousReferenceRange {
				flush(age - 1)
				continue
			}
			var de *domain.Error
			ids := ""
			if errors.As(err, &de) {
				ids = de.Context["candidates"]
			}
			if start >= 0 && ids != candidates {
				flush(age - 1)
			}
			if start < 0 {
				start, candidates = age, ids
			}
		}
		flush(pipeline.MaxPatientAge)
	}
	return out
}
