// Package exchange runs the affiliate exchange import service: the drop poller and the metrics server.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service ties the poller lifetime to the metrics server lifetime.
// When one of them stops, the other one is asked to stop too.
type Service struct {
	poller        Poller
	metricsServer MetricsServer
	closers       []io.Closer

	// ctx interrupts everything, including an in-flight import.
	// It is the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx lets the current cycle finish before stopping.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration
	log                 *slog.Logger

	mu      sync.Mutex
	running chan struct{}
}

// Poller runs import cycles until its context is done.
type Poller interface {
	Run(ctx context.Context) error
}

// MetricsServer serves the metrics and health endpoints.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
	closers             []io.Closer
	log                 *slog.Logger
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

// WithCloser registers a resource released once the service stopped, in registration order.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

var (
	// errServiceClosed is returned when Run is called on a stopped service.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when one component did not stop in time after the other one did.
	// A forced Quit may be required to release it.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates the exchange service.
func New(ctx context.Context, poller Poller, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute,
		log:                 slog.Default(),
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running)
	return &Service{
		poller:        poller,
		metricsServer: metricsServer,
		closers:       opts.closers,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,
		log:                 opts.log,

		running: running,
	}
}

// Run starts the poller and the metrics server and blocks until both stopped,
// or until the second one overstays maxDegradedDuration after the first one returned.
func (s *Service) Run() (err error) {
	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	s.log.Info("Exchange service started")
	running := make(chan struct{})
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	defer close(running)
	defer func() { err = errors.Join(err, s.release()) }()
	defer s.cancel()

	done := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); done <- s.runPoller() }()
	go func() { defer wg.Done(); done <- s.runMetrics() }()
	go func() { wg.Wait(); close(done) }()

	err = <-done
	s.log.Info("Waiting for exchange components to stop")

	select {
	case <-time.After(s.maxDegradedDuration):
		s.log.Warn("Exchange service teardown timed out")
		err = errors.Join(err, ErrTeardownTimeout)
	case second := <-done:
		err = errors.Join(err, second)
	}

	return err
}

func (s *Service) runPoller() error {
	defer s.gracefulCancel()

	if err := s.poller.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		s.log.Error("Poller stopped on error", "err", err)
		return fmt.Errorf("poller error: %v", err)
	}
	s.log.Info("Poller stopped")
	return nil
}

func (s *Service) runMetrics() error {
	defer s.gracefulCancel()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
		if s.ctx.Err() != nil {
			s.log.Info("Closing metrics server", "reason", s.ctx.Err())
			_ = s.metricsServer.Close()
			return nil
		}
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			s.log.Error("Metrics server shutdown failed", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			s.log.Error("Metrics server failed", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	s.log.Info("Metrics server stopped")
	return nil
}

func (s *Service) release() error {
	var errs error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warn("Failed to release resource", "err", err)
			errs = errors.Join(errs, err)
		}
	}
	s.closers = nil
	return errs
}

// Quit stops the service and blocks until Run returned.
// A graceful Quit lets the running import cycle complete; a forced one interrupts it.
func (s *Service) Quit(force bool) {
	s.log.Info("Stopping exchange service", "force", force)

	if force {
		s.cancel()
		_ = s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	<-running
}
