// Command labcore extracts biomarkers from lab exam documents, classifies them
// against reference ranges and prints the structured result.
//
// Usage:
//
//	labcore analyze -sex F -age 42 [-file exam.pdf] [-config labcore.yaml]
//	labcore batch -prefix exams/ [-config labcore.yaml]
//	labcore upload -key exams/1.pdf -file exam.pdf -sex F -age 42
//	labcore seed [-file ranges.yaml]
//	labcore ranges [-code Hb]
//	labcore version
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"labcore/internal/batch"
	"labcore/internal/blob"
	"labcore/internal/config"
	"labcore/internal/logging"
	"labcore/internal/pipeline"
	"labcore/internal/refdata"
	"labcore/pkg/domain"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitRunFail = 3
)

var (
	exitFunc           = os.Exit
	stdin    io.Reader = os.Stdin
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

func commands() []command {
	return []command{
		{"analyze", "evaluate one exam document", runAnalyze},
		{"batch", "evaluate every document under a blob prefix", runBatch},
		{"upload", "store an exam document with patient metadata", runUpload},
		{"seed", "load reference ranges into the configured store", runSeed},
		{"ranges", "list reference ranges", runRanges},
		{"version", "print the bundled alias table version", runVersion},
	}
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: labcore <command> [flags]")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
}

// common holds the flags shared by every subcommand.
type common struct {
	configPath string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", os.Getenv("LABCORE_CONFIG"), "path to YAML configuration")
	fs.StringVar(&c.logLevel, "log-level", "", "override logger level")
}

func (c *common) load(stderr io.Writer) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.logLevel != "" {
		cfg.Logger.Level = c.logLevel
	}
	log, err := logging.New(cfg.Logger, stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

func fail(stderr io.Writer, code int, format string, a ...any) int {
	fmt.Fprintf(stderr, "labcore: "+format+"\n", a...)
	return code
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAnalyze(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		c           common
		file, mime  string
		sexRaw      string
		age         int
		format      string
		trace       bool
		metricsFile string
	)
	c.register(fs)
	fs.StringVar(&file, "file", "", "exam document (stdin when empty or -)")
	fs.StringVar(&mime, "mime", "", "document MIME type (sniffed when empty)")
	fs.StringVar(&sexRaw, "sex", "", "patient sex: M or F")
	fs.IntVar(&age, "age", -1, "patient age in whole years")
	fs.StringVar(&format, "format", "json", "output format: json or text")
	fs.BoolVar(&trace, "trace", false, "write stage spans as JSON lines to stderr")
	fs.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file when metrics are enabled")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	sex, err := domain.ParseSex(sexRaw)
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	if format != "json" && format != "text" {
		return fail(stderr, exitUsage, "unsupported format %q", format)
	}

	data, err := readInput(file)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	cfg, log, err := c.load(stderr)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	defer a.Close()

	var extra []pipeline.Option
	if trace {
		extra = append(extra, pipeline.WithTracer(pipeline.NewJSONTracer(stderr)))
	}
	p, err := a.pipeline(extra...)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	text, err := a.producer().ProduceText(ctx, data, mime)
	if err != nil {
		return fail(stderr, exitRunFail, "%v", err)
	}
	out, runErr := p.Run(ctx, pipeline.Input{RawText: text, PatientSex: sex, PatientAge: age})
	if err := a.writeMetrics(metricsFile); err != nil {
		log.WithError(err).Warn("write metrics failed")
	}
	if format == "text" {
		fmt.Fprintln(stdout, out.TextualSummary)
	} else if err := writeJSON(stdout, out); err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	if runErr != nil {
		return fail(stderr, exitRunFail, "%v", runErr)
	}
	return exitOK
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return data, nil
}

func runBatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		c           common
		prefix      string
		concurrency int
		metricsFile string
	)
	c.register(fs)
	fs.StringVar(&prefix, "prefix", "", "blob key prefix to evaluate")
	fs.IntVar(&concurrency, "concurrency", 0, "override batch.concurrency")
	fs.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file when metrics are enabled")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	cfg, log, err := c.load(stderr)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	if concurrency > 0 {
		cfg.Batch.Concurrency = concurrency
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	defer a.Close()
	p, err := a.pipeline()
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	store, err := blob.Open(ctx, cfg.BlobStore())
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	b, err := batch.New(store, a.producer(), p, batch.Options{
		Concurrency:      cfg.Batch.Concurrency,
		MaxDocumentBytes: cfg.Batch.MaxDocumentBytes,
		Logger:           log,
	})
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	report, runErr := b.Run(ctx, prefix)
	if err := a.writeMetrics(metricsFile); err != nil {
		log.WithError(err).Warn("write metrics failed")
	}
	if err := writeJSON(stdout, report); err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	if runErr != nil {
		return fail(stderr, exitFailed, "%v", runErr)
	}
	if report.Failed > 0 {
		return exitRunFail
	}
	return exitOK
}

func runUpload(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		c               common
		key, file, mime string
		sexRaw          string
		age             int
	)
	c.register(fs)
	fs.StringVar(&key, "key", "", "destination blob key")
	fs.StringVar(&file, "file", "", "document to upload (stdin when empty or -)")
	fs.StringVar(&mime, "mime", "", "document MIME type")
	fs.StringVar(&sexRaw, "sex", "", "patient sex: M or F")
	fs.IntVar(&age, "age", -1, "patient age in whole years")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if strings.TrimSpace(key) == "" {
		return fail(stderr, exitUsage, "-key is required")
	}
	sex, err := domain.ParseSex(sexRaw)
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	if age < 0 || age > pipeline.MaxPatientAge {
		return fail(stderr, exitUsage, "-age must be between 0 and %d", pipeline.MaxPatientAge)
	}
	data, err := readInput(file)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	cfg, _, err := c.load(stderr)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	store, err := blob.Open(ctx, cfg.BlobStore())
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	info, err := store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: mime, Metadata: batch.Metadata(sex, age)})
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	if err := writeJSON(stdout, info); err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	return exitOK
}

func runSeed(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		c    common
		file string
	)
	c.register(fs)
	fs.StringVar(&file, "file", "", "reference range YAML (embedded dataset when empty)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	cfg, log, err := c.load(stderr)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	rows, err := seedRows(file)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	store, closeStore, err := openStore(ctx, cfg.Ranges)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	defer func() { _ = closeStore() }()
	if err := store.UpsertRanges(ctx, rows); err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	log.WithFields(logrus.Fields{"driver": cfg.Ranges.Driver, "rows": len(rows)}).Info("reference ranges seeded")
	fmt.Fprintf(stdout, "seeded %d reference ranges into %s store\n", len(rows), cfg.Ranges.Driver)
	return exitOK
}

func runRanges(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ranges", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		c    common
		code string
	)
	c.register(fs)
	fs.StringVar(&code, "code", "", "normalized biomarker code (all rows when empty)")
	if exit, ok := parseFlags(fs, args); !ok {
		return exit
	}
	cfg, log, err := c.load(stderr)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	defer a.Close()
	var rows []domain.ReferenceRange
	if code == "" {
		rows, err = a.store.ListRanges(ctx)
	} else {
		rows, err = a.source.FetchActiveRanges(ctx, code)
	}
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	if rows == nil {
		rows = []domain.ReferenceRange{}
	}
	if err := writeJSON(stdout, rows); err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	return exitOK
}

func runVersion(_ context.Context, _ []string, stdout, stderr io.Writer) int {
	tbl, err := refdata.Aliases()
	if err != nil {
		return fail(stderr, exitFailed, "%v", err)
	}
	fmt.Fprintln(stdout, "aliases "+tbl.Version()+" ("+strconv.Itoa(len(tbl.Codes()))+" biomarkers)")
	return exitOK
}
