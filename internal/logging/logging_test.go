package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithField("stage", "Extracting").Debug("stage entered")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for _, k := range []string{"timestamp", "level", "message", "stage"} {
		if _, ok := entry[k]; !ok {
			t.Fatalf("missing %s in %v", k, entry)
		}
	}
}

func TestScrubHookRemovesPatientData(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithFields(logrus.Fields{"raw_label": "Hemoglobina", "value": 14.2, "kind": "InvalidValue"}).Warn("candidate dropped")
	out := buf.String()
	if strings.Contains(out, "Hemoglobina") || strings.Contains(out, "14.2") {
		t.Fatalf("patient data leaked: %s", out)
	}
	if !strings.Contains(out, "InvalidValue") || !strings.Contains(out, "[scrubbed]") {
		t.Fatalf("expected kind kept and fields scrubbed: %s", out)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}, nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Fatalf("expected format error")
	}
	var buf bytes.Buffer
	l, err := New(Config{Format: "text", Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("text format: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("expected a logger")
	}
	l := Discard()
	if OrDiscard(l) != logrus.FieldLogger(l) {
		t.Fatalf("expected passthrough")
	}
}
