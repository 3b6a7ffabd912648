// Package processor runs the import cycles of the exchange service.
//
// A cycle lists the inbound drop directory and imports every bundle following the naming convention, one at a time:
// the bundle is fetched to a scratch file, checked, applied to the store, audited and finally moved out of the
// inbound directory.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/decorate"
	"github.com/unipago/affiliate-exchange/internal/common/constants"
	"github.com/unipago/affiliate-exchange/internal/exchange/audit"
	"github.com/unipago/affiliate-exchange/internal/exchange/bundle"
	"github.com/unipago/affiliate-exchange/internal/exchange/database"
	"github.com/unipago/affiliate-exchange/internal/exchange/dropbox"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"github.com/unipago/affiliate-exchange/internal/exchange/transform"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/unipago/affiliate-exchange/internal/exchange/processor"

// Config holds the processor configuration.
type Config struct {
	InboundDir   string
	ProcessedDir string
	// FailedDir receives the bundles whose import ended in ERROR. Defaults to ProcessedDir.
	FailedDir string

	FilePrefix   string
	ScratchDir   string
	SourceSystem string

	// SettlePeriod is how long a bundle must stay unmodified before it is imported. 0 imports it as soon as it is listed.
	SettlePeriod time.Duration

	// BatchSize is the number of affiliates between two progress logs.
	BatchSize   int
	RecordAudit bool

	// RemoteTimeout bounds every operation on the drop.
	RemoteTimeout time.Duration
	// TransactionTimeout bounds the transaction applying a bundle. It is not interrupted by a graceful shutdown.
	TransactionTimeout time.Duration
}

type store interface {
	Upsert(ctx context.Context, rows []models.AffiliateRow, opts database.UpsertOptions) (models.UpsertResult, error)
}

type recorder interface {
	Record(ctx context.Context, e audit.Entry) models.ImportAudit
	Consumed(ctx context.Context, filename, digest string) (bool, error)
}

type loader interface {
	Load(data []byte) (*models.ExportBundle, error)
}

// Processor imports the bundles of a drop.
type Processor struct {
	cfg     Config
	pattern *regexp.Regexp

	drop   dropbox.Drop
	db     store
	rec    recorder
	loader loader

	metrics processorMetrics
	tracer  trace.Tracer
	log     *slog.Logger
}

type processorMetrics struct {
	files              *prometheus.CounterVec
	records            *prometheus.CounterVec
	duration           prometheus.Histogram
	relocationFailures prometheus.Counter
}

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// Options represents an optional function to override Processor default values.
type Options func(*options)

// WithLogger sets the logger used by the Processor.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// Outcome is the result of one file of a cycle.
type Outcome struct {
	File string
	// Status is the audited status of the import. It is empty when no import was audited.
	Status models.ImportStatus
	// AlreadyImported is set when the same content was already applied and the file was only relocated.
	AlreadyImported bool
	Relocated       bool
	Err             error

	// SettlesIn is set when the file was modified too recently and left in place.
	// It is the remaining time before the file can be imported.
	SettlesIn time.Duration
}

func (o Outcome) label() string {
	switch {
	case errors.Is(o.Err, ErrTransport):
		return "transport_error"
	case o.AlreadyImported:
		return "already_imported"
	default:
		return strings.ToLower(string(o.Status))
	}
}

// New creates a Processor and registers its metrics on reg.
func New(cfg Config, drop dropbox.Drop, db store, rec recorder, ld loader, reg prometheus.Registerer, args ...Options) (*Processor, error) {
	opts := options{
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.InboundDir == "" || cfg.ProcessedDir == "" {
		return nil, errors.New("inbound and processed directories must be set")
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = cfg.ProcessedDir
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = constants.DefaultFilePrefix
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = constants.DefaultSourceSystem
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = constants.DefaultScratchDir
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 30 * time.Second
	}
	if cfg.SettlePeriod < 0 {
		return nil, fmt.Errorf("settle period can not be negative, got %s", cfg.SettlePeriod)
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 5 * time.Minute
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %v", err)
	}

	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:     cfg,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.FilePrefix) + `_\d{8}.*\.json$`),
		drop:    drop,
		db:      db,
		rec:     rec,
		loader:  ld,
		metrics: m,
		tracer:  opts.tracer,
		log:     opts.logger,
	}, nil
}

func newMetrics(reg prometheus.Registerer) (m processorMetrics, err error) {
	m = processorMetrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_files_processed_total",
			Help: "Total number of bundle files handled, by outcome.",
		}, []string{"status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_records_total",
			Help: "Total number of affiliates applied or rejected.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_file_process_duration_seconds",
			Help:    "Time taken to handle one bundle file.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		relocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_relocation_failures_total",
			Help: "Total number of bundle files which could not be moved out of the inbound directory.",
		}),
	}

	for _, c := range []prometheus.Collector{m.files, m.records, m.duration, m.relocationFailures} {
		if err := reg.Register(c); err != nil {
			return m, fmt.Errorf("failed to register processor metrics: %v", err)
		}
	}
	return m, nil
}

// Process runs one cycle over the inbound directory.
//
// It returns the outcome of every handled file. An error is returned when the directory could not be listed,
// or when ctx is done before every file was handled. Failures of a single file never end the cycle.
func (p Processor) Process(ctx context.Context) (outcomes []Outcome, err error) {
	ctx, span := p.tracer.Start(ctx, "exchange.cycle")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	files, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("exchange.files", len(files)))
	if len(files) == 0 {
		p.log.Debug("No bundle to import", "dir", p.cfg.InboundDir)
		return nil, nil
	}

	p.log.Info("Importing bundles", "dir", p.cfg.InboundDir, "count", len(files))
	now := time.Now()
	for _, f := range files {
		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		default:
		}

		if wait := p.cfg.SettlePeriod - now.Sub(f.ModTime); p.cfg.SettlePeriod > 0 && wait > 0 {
			p.log.Debug("Bundle modified too recently, leaving it for a later cycle", "file", f.Name, "settles_in", wait)
			outcomes = append(outcomes, Outcome{File: f.Name, SettlesIn: wait})
			continue
		}

		outcomes = append(outcomes, p.processFile(ctx, f.Name))
	}
	return outcomes, nil
}

// list returns the bundles of the inbound directory, in import order.
func (p Processor) list(ctx context.Context) (files []dropbox.FileInfo, err error) {
	defer decorate.OnError(&err, "could not list bundles")

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
	defer cancel()

	entries, err := p.drop.List(ctx, p.cfg.InboundDir)
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}

	for _, e := range entries {
		if !e.Regular || !p.pattern.MatchString(e.Name) {
			continue
		}
		files = append(files, e)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// processFile imports a single bundle. Every failure is reported in the outcome.
func (p Processor) processFile(ctx context.Context, name string) (out Outcome) {
	start := time.Now()
	out.File = name
	log := p.log.With("file", name)

	ctx, span := p.tracer.Start(ctx, "exchange.file", trace.WithAttributes(attribute.String("exchange.file", name)))
	defer func() {
		span.SetAttributes(attribute.String("exchange.status", out.label()))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()

		p.metrics.duration.Observe(time.Since(start).Seconds())
		p.metrics.files.WithLabelValues(out.label()).Inc()
	}()

	scratch, digest, err := p.fetch(ctx, name)
	if scratch != "" {
		defer func() {
			if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove scratch file", "path", scratch, "err", err)
			}
		}()
	}
	if err != nil {
		log.Warn("Failed to fetch bundle, leaving it for the next cycle", "err", err)
		out.Err = errors.Join(ErrTransport, err)
		return out
	}

	// Once fetched, the file is carried through even if a graceful shutdown is requested.
	ctx = context.WithoutCancel(ctx)

	consumed, err := p.rec.Consumed(ctx, name, digest)
	if err != nil {
		log.Warn("Could not check whether the bundle was already imported", "err", err)
	}
	if consumed {
		log.Info("Bundle content already imported, relocating it only")
		out.AlreadyImported = true
		out.Relocated = p.relocate(ctx, log, name, p.cfg.ProcessedDir)
		return out
	}

	entry := audit.Entry{
		Filename:     name,
		Digest:       digest,
		SourceSystem: p.cfg.SourceSystem,
	}
	defer func() {
		entry.Elapsed = time.Since(start)
		rec := p.rec.Record(ctx, entry)
		out.Status = rec.Status

		dir := p.cfg.ProcessedDir
		if rec.Status == models.StatusError {
			dir = p.cfg.FailedDir
		}
		out.Relocated = p.relocate(ctx, log, name, dir)

		log.Info("Finished importing bundle", "status", rec.Status, "processed", entry.Processed,
			"success", entry.Success, "failed", entry.Failed, "elapsed", entry.Elapsed)
	}()

	data, err := os.ReadFile(scratch)
	if err != nil {
		out.Err = fmt.Errorf("could not read scratch copy: %v", err)
		entry.Errors = []string{out.Err.Error()}
		return out
	}

	b, err := p.loader.Load(data)
	if err != nil {
		log.Warn("Rejected bundle", "err", err)
		out.Err = err
		entry.Errors = problems(err)
		return out
	}
	if b.ExportInfo.SourceSystem != "" {
		entry.SourceSystem = b.ExportInfo.SourceSystem
	}

	rows := transform.Affiliates(b.Affiliates, entry.SourceSystem)
	entry.Processed = len(rows)

	upsertCtx, cancel := context.WithTimeout(ctx, p.cfg.TransactionTimeout)
	res, err := p.db.Upsert(upsertCtx, rows, database.UpsertOptions{
		SourceFile:    name,
		RecordAudit:   p.cfg.RecordAudit,
		ProgressEvery: p.cfg.BatchSize,
	})
	cancel()
	if err != nil {
		log.Error("Failed to apply bundle", "err", err)
		out.Err = err
		entry.Errors = []string{err.Error()}
		return out
	}

	entry.Parsed = true
	entry.Success, entry.Failed, entry.Errors = res.Success, res.Failed, res.Errors
	p.metrics.records.WithLabelValues("success").Add(float64(res.Success))
	p.metrics.records.WithLabelValues("failed").Add(float64(res.Failed))
	if res.Failed > 0 {
		out.Err = errors.Join(ErrRecord, fmt.Errorf("%d of %d affiliates rejected", res.Failed, len(rows)))
	}
	return out
}

// fetch copies the bundle to a scratch file and returns its path and the SHA-256 digest of its content.
// The scratch path is returned as soon as the file exists, even on error.
func (p Processor) fetch(ctx context.Context, name string) (scratch, digest string, err error) {
	defer decorate.OnError(&err, "could not fetch %q", name)

	f, err := os.CreateTemp(p.cfg.ScratchDir, "bundle-*.json")
	if err != nil {
		return "", "", err
	}
	scratch = f.Name()
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
	defer cancel()

	h := sha256.New()
	if err := p.drop.Fetch(ctx, path.Join(p.cfg.InboundDir, name), io.MultiWriter(f, h)); err != nil {
		return scratch, "", err
	}
	if err := f.Close(); err != nil {
		return scratch, "", err
	}
	return scratch, hex.EncodeToString(h.Sum(nil)), nil
}

// relocate moves the bundle to dir. A failure is logged and counted only: the file is picked up again by
// the next cycle and recognized as already imported.
func (p Processor) relocate(ctx context.Context, log *slog.Logger, name, dir string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
	defer cancel()

	err := p.drop.EnsureDir(ctx, dir)
	if err == nil {
		err = p.drop.Move(ctx, path.Join(p.cfg.InboundDir, name), path.Join(dir, name))
	}
	if err != nil {
		p.metrics.relocationFailures.Inc()
		log.Error("Failed to relocate bundle", "dir", dir, "err", err)
		return false
	}

	log.Debug("Relocated bundle", "dir", dir)
	return true
}

// problems returns the individual problems of a rejected bundle.
func problems(err error) []string {
	var verr *bundle.ValidationError
	if errors.As(err, &verr) {
		return verr.Problems
	}
	return []string{err.Error()}
}
