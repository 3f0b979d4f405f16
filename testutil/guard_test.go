package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInternalImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"example.com/mod/internal/x", true},
		{"example.com/mod/pkg/x", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestInfraImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"labcore/internal/infra/blob/s3", true},
		{"labcore/internal/infra", true},
		{"labcore/internal/blob", false},
		{"labcore/internal/infrastructure", false},
	}
	for _, c := range cases {
		if got := InfraImportForbidden(c.in); got != c.want {
			t.Fatalf("InfraImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestDriverImportForbiddenPredicate(t *testing.T) {
	if !DriverImportForbidden("github.com/jackc/pgx/v5/stdlib") || !DriverImportForbidden("database/sql") {
		t.Fatalf("expected sql drivers to be forbidden")
	}
	if DriverImportForbidden("github.com/sirupsen/logrus") {
		t.Fatalf("logging is not a driver")
	}
}

// TestAssertNoDirectImports exercises the success path by creating a tiny temp package with safe imports.
func TestAssertNoDirectImports(t *testing.T) {
	dir := t.TempDir()
	src := []byte("package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}")
	if err := os.WriteFile(filepath.Join(dir, "x.go"), src, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	AssertNoDirectImports(t, dir, func(string) bool { return false }, "none")
}

func TestDirectImportViolationsReportsFile(t *testing.T) {
	dir := t.TempDir()
	src := []byte("package tmp\nimport _ \"database/sql\"\n")
	if err := os.WriteFile(filepath.Join(dir, "x.go"), src, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viols, err := directImportViolations(dir, DriverImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "x.go") {
		t.Fatalf("unexpected violations %v", viols)
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestFailHelpers(t *testing.T) {
	rec := &recordingFatal{}
	failIfDirectViolations(rec, "why", nil)
	if rec.msg != "" {
		t.Fatalf("no violations should not fail")
	}
	failIfTransitiveViolations(rec, "why", []string{"a/b"})
	if !strings.Contains(rec.msg, "a/b") || !strings.Contains(rec.msg, "why") {
		t.Fatalf("unexpected message %q", rec.msg)
	}
}

func TestTransitiveViolationsUsesGoList(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })
	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\nlabcore/internal/infra/blob/s3\n\n"), nil
	}
	viols, _, err := transitiveDependencyViolations("./...", InfraImportForbidden)
	if err != nil || len(viols) != 1 {
		t.Fatalf("viols=%v err=%v", viols, err)
	}
}
