// Package logging configures logrus for labcore processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects level, format and destination.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PatientFields are field names that may carry exam content and are removed
// from every entry before it is written.
var PatientFields = []string{"label", "raw_label", "value", "raw_value", "raw_text", "line_text", "unit_text", "patient"}

// New builds a logger writing to out (stdout when nil). JSON output uses the
// timestamp/level/message field names. A ScrubHook is always installed.
func New(cfg Config, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	level := logrus.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logger level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	default:
		return nil, fmt.Errorf("logger format %q not supported", cfg.Format)
	}
	l.AddHook(NewScrubHook())
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

// ScrubHook deletes patient data fields from log entries.
type ScrubHook struct {
	fields []string
}

// NewScrubHook scrubs PatientFields plus any extra names.
func NewScrubHook(extra ...string) *ScrubHook {
	fields := make([]string, 0, len(PatientFields)+len(extra))
	fields = append(fields, PatientFields...)
	fields = append(fields, extra...)
	return &ScrubHook{fields: fields}
}

// Levels implements logrus.Hook.
func (h *ScrubHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (h *ScrubHook) Fire(e *logrus.Entry) error {
	for _, f := range h.fields {
		if _, ok := e.Data[f]; ok {
			e.Data[f] = "[scrubbed]"
		}
	}
	return nil
}
