// Package poller schedules the import cycles of the exchange service.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"github.com/unipago/affiliate-exchange/internal/exchange/processor"
)

type dProcessor interface {
	Process(ctx context.Context) ([]processor.Outcome, error)
}

type statsSource interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// Config holds the scheduling configuration of the Poller.
type Config struct {
	// Interval is the period between two cycles.
	Interval time.Duration
	// StatsInterval is the period between two logs of the store statistics. 0 disables them.
	StatsInterval time.Duration
}

// Poller runs one import cycle at a time: on start, on every tick and on every wake-up request.
// Requests arriving while a cycle is running are dropped.
type Poller struct {
	proc  dProcessor
	stats statsSource
	cfg   Config

	busy     atomic.Bool
	inFlight sync.WaitGroup
	wake     chan struct{}
	external <-chan struct{}

	cycles  prometheus.Counter
	skipped prometheus.Counter
	running prometheus.Gauge

	log *slog.Logger
}

type options struct {
	stats  statsSource
	wake   <-chan struct{}
	logger *slog.Logger
}

// Options represents an optional function to override Poller default values.
type Options func(*options)

// WithLogger sets the logger used by the Poller.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// WithStats periodically logs the statistics of src.
func WithStats(src statsSource) Options {
	return func(o *options) {
		o.stats = src
	}
}

// WithWakeUps requests a cycle on every value received from ch.
func WithWakeUps(ch <-chan struct{}) Options {
	return func(o *options) {
		o.wake = ch
	}
}

// New creates a Poller and registers its metrics on reg.
func New(cfg Config, proc dProcessor, reg prometheus.Registerer, args ...Options) (*Poller, error) {
	opts := options{
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}

	p := &Poller{
		proc:     proc,
		stats:    opts.stats,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		external: opts.wake,
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_poller_cycles_total",
			Help: "Total number of import cycles started.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_poller_skipped_cycles_total",
			Help: "Total number of cycle requests dropped because a cycle was still running.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_poller_busy",
			Help: "1 while an import cycle is running.",
		}),
		log: opts.logger,
	}

	for _, c := range []prometheus.Collector{p.cycles, p.skipped, p.running} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register poller metrics: %v", err)
		}
	}
	return p, nil
}

// Wake requests a cycle as soon as possible. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run schedules cycles until ctx is done, then waits for the running cycle to return.
//
// Always returns a non-nil error, which is the context error.
func (p *Poller) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.log.Info("Poller started", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var statsC <-chan time.Time
	if p.stats != nil && p.cfg.StatsInterval > 0 {
		statsTicker := time.NewTicker(p.cfg.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	external := p.external
	p.trigger(ctx, "start")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Context canceled, waiting for the running cycle")
			p.inFlight.Wait()
			return ctx.Err()

		case <-ticker.C:
			p.trigger(ctx, "tick")

		case <-p.wake:
			p.trigger(ctx, "wake")

		case _, ok := <-external:
			if !ok {
				p.log.Debug("Wake-up source closed")
				external = nil
				continue
			}
			p.trigger(ctx, "change")

		case <-statsC:
			p.logStats(ctx)
		}
	}
}

// trigger starts a cycle unless one is already running.
func (p *Poller) trigger(ctx context.Context, reason string) {
	if !p.busy.CompareAndSwap(false, true) {
		p.skipped.Inc()
		p.log.Debug("Cycle still running, dropping request", "reason", reason)
		return
	}

	p.running.Set(1)
	p.cycles.Inc()
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()

		var settlesIn time.Duration
		defer func() {
			p.running.Set(0)
			p.busy.Store(false)
			// Files left to settle are retried without waiting for the next tick.
			if settlesIn > 0 && ctx.Err() == nil {
				time.AfterFunc(settlesIn, p.Wake)
			}
		}()

		settlesIn = p.cycle(ctx, reason)
	}()
}

// cycle runs one import cycle and returns the shortest wait of the files left to settle, if any.
func (p *Poller) cycle(ctx context.Context, reason string) (settlesIn time.Duration) {
	start := time.Now()
	p.log.Debug("Starting cycle", "reason", reason)

	outcomes, err := p.proc.Process(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.log.Info("Cycle interrupted by shutdown", "err", err)
		} else {
			p.log.Error("Cycle failed", "err", err)
		}
	}

	if len(outcomes) == 0 {
		return 0
	}

	counts := make(map[string]int)
	for _, o := range outcomes {
		switch {
		case o.SettlesIn > 0:
			counts["settling"]++
			if settlesIn == 0 || o.SettlesIn < settlesIn {
				settlesIn = o.SettlesIn
			}
		case o.AlreadyImported:
			counts["already_imported"]++
		case o.Status == "":
			counts["retry"]++
		default:
			counts[string(o.Status)]++
		}
	}
	p.log.Info("Cycle finished", "files", len(outcomes), "outcomes", counts, "elapsed", time.Since(start))
	return settlesIn
}

func (p *Poller) logStats(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s, err := p.stats.Stats(ctx)
	if err != nil {
		p.log.Warn("Failed to collect statistics", "err", err)
		return
	}

	p.log.Info("Store statistics",
		"total_affiliates", s.TotalAffiliates,
		"active_affiliates", s.ActiveAffiliates,
		"unique_plans", s.UniquePlans,
		"imports_24h", s.TotalImports,
		"successful_imports_24h", s.SuccessfulImports,
		"records_processed_24h", s.TotalRecordsProcessed,
		"records_success_24h", s.TotalRecordsSuccess)
}
