// Package audit records the outcome of every processed bundle file.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

const (
	// maxSummarizedErrors is the number of record errors kept in an audit error summary.
	maxSummarizedErrors = 3
	// maxSummaryLength is the maximum number of characters of an audit error summary.
	maxSummaryLength = 1000
)

// Store persists import audit rows.
type Store interface {
	InsertImportAudit(ctx context.Context, rec models.ImportAudit) error
	Consumed(ctx context.Context, filename, fileHash string) (bool, error)
}

// Publisher broadcasts the outcome of an import.
type Publisher interface {
	Publish(ctx context.Context, rec models.ImportAudit) error
}

// Entry is what the processor knows about a file once it is done with it.
type Entry struct {
	Filename     string
	Digest       string
	SourceSystem string

	// Parsed is false when the bundle never reached the upsert, or when its transaction failed.
	Parsed bool

	Processed int
	Success   int
	Failed    int
	Elapsed   time.Duration
	Errors    []string
}

// Recorder writes one audit row per processed file.
type Recorder struct {
	store     Store
	publisher Publisher
	log       *slog.Logger

	now func() time.Time
}

type options struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Options represents an optional function to override Recorder default values.
type Options func(*options)

// WithPublisher publishes every recorded outcome to p.
func WithPublisher(p Publisher) Options {
	return func(o *options) {
		o.publisher = p
	}
}

// WithLogger sets the logger used by the Recorder.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// New returns a Recorder writing to store.
func New(store Store, args ...Options) *Recorder {
	opts := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Recorder{
		store:     store,
		publisher: opts.publisher,
		log:       opts.logger,
		now:       opts.now,
	}
}

// Record persists the audit row of e and returns it.
// Failures to persist or publish are logged and never returned: auditing must not fail an import.
func (r Recorder) Record(ctx context.Context, e Entry) models.ImportAudit {
	rec := models.ImportAudit{
		ImportID:       uuid.NewString(),
		Filename:       e.Filename,
		FileHash:       e.Digest,
		SourceSystem:   e.SourceSystem,
		Processed:      e.Processed,
		Success:        e.Success,
		Failed:         e.Failed,
		ElapsedSeconds: e.Elapsed.Seconds(),
		Status:         DeriveStatus(e.Parsed, e.Success, e.Failed),
		ErrorMessage:   Summary(e.Errors),
		Timestamp:      r.now(),
	}

	log := r.log.With("file", rec.Filename, "import_id", rec.ImportID, "status", rec.Status)
	if err := r.store.InsertImportAudit(ctx, rec); err != nil {
		log.Error("Failed to write import audit", "err", err)
	} else {
		log.Debug("Import audit written", "processed", rec.Processed, "success", rec.Success, "failed", rec.Failed)
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			log.Warn("Failed to publish import outcome", "err", err)
		}
	}
	return rec
}

// Consumed reports whether the same content of filename was already applied.
func (r Recorder) Consumed(ctx context.Context, filename, digest string) (bool, error) {
	return r.store.Consumed(ctx, filename, digest)
}

// DeriveStatus returns the status of an import.
// An import which did not get through validation and its transaction is an ERROR.
// A parsed bundle with any failed record is PARTIAL, even when none of its records were applied.
func DeriveStatus(parsed bool, success, failed int) models.ImportStatus {
	switch {
	case !parsed:
		return models.StatusError
	case failed > 0:
		return models.StatusPartial
	default:
		return models.StatusSuccess
	}
}

// Summary joins the first errors with "; " and bounds the result length.
func Summary(errs []string) string {
	if len(errs) > maxSummarizedErrors {
		errs = errs[:maxSummarizedErrors]
	}
	s := strings.Join(errs, "; ")

	if r := []rune(s); len(r) > maxSummaryLength {
		s = string(r[:maxSummaryLength])
	}
	return s
}
