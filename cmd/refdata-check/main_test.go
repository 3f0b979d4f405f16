package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labcore/internal/alias"
	"labcore/pkg/domain"
)

const testAliases = `version: "test"
biomarkers:
  - code: Hb
    name: Hemoglobina
    unit: g/dL
    aliases: [hb, hemoglobina]
  - code: Glu
    name: Glicose
    unit: mg/dL
    aliases: [glicose]
`

func testTable(t *testing.T) *alias.Table {
	t.Helper()
	tbl, err := alias.Parse([]byte(testAliases))
	if err != nil {
		t.Fatalf("parse aliases: %v", err)
	}
	return tbl
}

func row(id, code, unit string, sex domain.Sex, ageMin, ageMax *int) domain.ReferenceRange {
	return domain.ReferenceRange{ID: id, NormalizedCode: code, MinValue: 1, MaxValue: 2, Unit: unit, Sex: sex, AgeMin: ageMin, AgeMax: ageMax, Active: true}
}

func TestCLIEmbeddedDataPasses(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected embedded data to pass, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Reference data validation passed.") {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestCLIBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-unknown"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit, got %d", code)
	}
}

func TestCLIRejectsUnsafePaths(t *testing.T) {
	for _, p := range []string{"/etc/passwd", "../ranges.yaml"} {
		var stdout, stderr bytes.Buffer
		if code := cli([]string{"-ranges", p}, &stdout, &stderr); code != 1 {
			t.Fatalf("%s: expected failure, got %d", p, code)
		}
	}
}

func TestCLIStrictWarnings(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	ranges := `version: "test"
ranges:
  - id: hb-any
    normalized_code: Hb
    min_value: 12
    max_value: 16
    unit: g/dL
    sex: ANY
    active: true
`
	if err := os.WriteFile(filepath.Join(dir, "aliases.yaml"), []byte(testAliases), 0o600); err != nil {
		t.Fatalf("write aliases: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ranges.yaml"), []byte(ranges), 0o600); err != nil {
		t.Fatalf("write ranges: %v", err)
	}
	args := []string{"-aliases", "aliases.yaml", "-ranges", "ranges.yaml"}

	var stdout, stderr bytes.Buffer
	if code := cli(args, &stdout, &stderr); code != 0 {
		t.Fatalf("warnings alone should pass, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "warning: Glu: no active reference range") {
		t.Fatalf("expected Glu warning, got %q", stderr.String())
	}
	stdout.Reset()
	stderr.Reset()
	if code := cli(append(args, "-strict"), &stdout, &stderr); code != 1 {
		t.Fatalf("strict mode should fail, got %d", code)
	}
}

func TestCheckFindings(t *testing.T) {
	tbl := testTable(t)
	rows := []domain.ReferenceRange{
		row("hb-f-a", "Hb", "g/dL", domain.SexFemale, domain.IntPtr(18), domain.IntPtr(65)),
		row("hb-f-b", "Hb", "g/dL", domain.SexFemale, domain.IntPtr(30), domain.IntPtr(77)),
		row("glu-any", "Glu", "mEq/L", domain.SexAny, nil, nil),
		row("ldl-any", "LDL", "mg/dL", domain.SexAny, nil, nil),
	}
	findings := check(tbl, rows)

	want := []string{
		"error: Glu: range glu-any unit \"mEq/L\" is incompatible with \"mg/dL\"",
		"error: Hb: sex F ages 30-64: ambiguous rows hb-f-a,hb-f-b",
		"error: LDL: range ldl-any references a code missing from the alias table",
	}
	if len(findings) != len(want) {
		t.Fatalf("expected %d findings, got %v", len(want), findings)
	}
	for i, w := range want {
		if findings[i].String() != w {
			t.Fatalf("finding %d: expected %q, got %q", i, w, findings[i].String())
		}
	}
}

func TestCheckCleanData(t *testing.T) {
	tbl := testTable(t)
	rows := []domain.ReferenceRange{
		row("hb-f", "Hb", "g/dl", domain.SexFemale, domain.IntPtr(18), domain.IntPtr(65)),
		row("hb-any", "Hb", "g/dL", domain.SexAny, nil, nil),
		row("glu-any", "Glu", "mg%", domain.SexAny, nil, nil),
	}
	if findings := check(tbl, rows); len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findings)
	}
}
