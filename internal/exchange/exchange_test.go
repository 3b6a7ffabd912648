package exchange_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unipago/affiliate-exchange/internal/common/testutils"
	"github.com/unipago/affiliate-exchange/internal/exchange"
)

func TestRun(t *testing.T) {
	t.Parallel()

	const maxDegradedDuration = 800 * time.Millisecond

	tests := map[string]struct {
		poller        *mockPoller
		metricsServer *mockMetricsServer

		cancelBeforeRun bool
		cancelAfterRun  bool

		failPollerEarly  bool
		failMetricsEarly bool

		wantEarlyErr   bool
		wantLateReturn bool
		wantLateErr    bool

		wantSpecificErr error
	}{
		"Default run blocks": {},

		"Canceled context before run errors fast": {
			cancelBeforeRun: true,
			wantEarlyErr:    true,
			wantSpecificErr: exchange.ErrServiceClosed,
		},
		"Canceled context after start returns without error": {
			cancelAfterRun: true,
			wantLateReturn: true,
		},
		"Canceled context with blocked metrics close times out": {
			metricsServer:   &mockMetricsServer{closeDelay: 2 * time.Second},
			cancelAfterRun:  true,
			wantLateErr:     true,
			wantSpecificErr: exchange.ErrTeardownTimeout,
		},

		"Poller error stops the service early": {
			poller:          &mockPoller{runErr: errors.New("requested poller error")},
			failPollerEarly: true,
			wantEarlyErr:    true,
		},
		"Poller error stops the service late": {
			poller:      &mockPoller{runErr: errors.New("requested poller error")},
			wantLateErr: true,
		},

		"Metrics server error stops the service early": {
			metricsServer:    &mockMetricsServer{listenErr: errors.New("requested listen error")},
			failMetricsEarly: true,
			wantEarlyErr:     true,
		},
		"Metrics server error stops the service late": {
			metricsServer: &mockMetricsServer{listenErr: errors.New("requested listen error")},
			wantLateErr:   true,
		},

		"Teardown times out when poller fails and metrics shutdown hangs": {
			poller:          &mockPoller{runErr: errors.New("requested poller error")},
			metricsServer:   &mockMetricsServer{shutdownDelay: 2 * time.Second},
			wantLateErr:     true,
			wantSpecificErr: exchange.ErrTeardownTimeout,
		},
		"Teardown times out when metrics server fails and poller hangs": {
			poller:          &mockPoller{hang: true},
			metricsServer:   &mockMetricsServer{listenErr: errors.New("requested listen error")},
			wantLateErr:     true,
			wantSpecificErr: exchange.ErrTeardownTimeout,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.poller == nil {
				tc.poller = &mockPoller{}
			}
			if tc.metricsServer == nil {
				tc.metricsServer = &mockMetricsServer{}
			}
			tc.poller.initialize(t)
			tc.metricsServer.initialize(t)

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			l, _ := testutils.NewLogger(slog.LevelError)
			s := exchange.New(ctx, tc.poller, tc.metricsServer,
				exchange.WithMaxDegradedDuration(maxDegradedDuration),
				exchange.WithLogger(l))

			if tc.cancelBeforeRun {
				cancel()
			}
			if tc.failPollerEarly {
				tc.poller.fail()
			}
			if tc.failMetricsEarly {
				tc.metricsServer.fail()
			}

			errCh := runAsync(t, s)

			select {
			case err := <-errCh:
				require.True(t, tc.wantEarlyErr, "Service should not have returned early, got: %v", err)
				require.Error(t, err, "Run should have errored early")
				if tc.wantSpecificErr != nil {
					require.ErrorIs(t, err, tc.wantSpecificErr, "Run returned an unexpected error")
				}
				return
			case <-time.After(maxDegradedDuration + 100*time.Millisecond):
			}
			require.False(t, tc.wantEarlyErr, "Service should have returned early with an error")

			if tc.cancelAfterRun {
				cancel()
			}
			tc.poller.fail()
			tc.metricsServer.fail()

			select {
			case err := <-errCh:
				if !tc.wantLateErr {
					require.NoError(t, err, "Run should not have errored")
					require.True(t, tc.wantLateReturn, "Service should not have returned")
					return
				}
				require.Error(t, err, "Run should have errored")
				if tc.wantSpecificErr != nil {
					require.ErrorIs(t, err, tc.wantSpecificErr, "Run returned an unexpected error")
				}
				return
			case <-time.After(maxDegradedDuration + 100*time.Millisecond):
			}
			require.False(t, tc.wantLateErr, "Service should have returned with an error")
			require.False(t, tc.wantLateReturn, "Service should have returned")
		})
	}
}

func TestQuit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		metricsServer *mockMetricsServer

		force     bool
		quitEarly bool

		wantHang bool
	}{
		"Graceful quit completes": {},
		"Forced quit completes":   {force: true},

		"Forced quit does not wait for metrics shutdown": {
			metricsServer: &mockMetricsServer{shutdownDelay: 2 * time.Second},
			force:         true,
		},
		"Forced quit waits for metrics close": {
			metricsServer: &mockMetricsServer{closeDelay: 2 * time.Second},
			force:         true,
			wantHang:      true,
		},
		"Graceful quit waits for metrics shutdown": {
			metricsServer: &mockMetricsServer{shutdownDelay: 2 * time.Second},
			wantHang:      true,
		},
		"Graceful quit does not wait for metrics close": {
			metricsServer: &mockMetricsServer{closeDelay: 2 * time.Second},
		},

		"Quit before run makes run error":        {quitEarly: true},
		"Forced quit before run makes run error": {quitEarly: true, force: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := &mockPoller{}
			if tc.metricsServer == nil {
				tc.metricsServer = &mockMetricsServer{}
			}
			p.initialize(t)
			tc.metricsServer.initialize(t)

			l, _ := testutils.NewLogger(slog.LevelError)
			s := exchange.New(t.Context(), p, tc.metricsServer,
				exchange.WithMaxDegradedDuration(time.Second),
				exchange.WithLogger(l))

			if tc.quitEarly {
				timedQuit(t, s, tc.force, false)
				err := <-runAsync(t, s)
				require.ErrorIs(t, err, exchange.ErrServiceClosed, "Run after Quit should error")
				return
			}

			errCh := runAsync(t, s)
			select {
			case err := <-errCh:
				require.Fail(t, "Service should not have returned before Quit", "got: %v", err)
			case <-time.After(100 * time.Millisecond):
			}

			timedQuit(t, s, tc.force, tc.wantHang)
		})
	}
}

func TestRunReleasesResources(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		closeErr error

		wantErr bool
	}{
		"Resources are closed in order": {},
		"Close errors are reported":     {closeErr: errors.New("requested close error"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := &mockPoller{}
			m := &mockMetricsServer{}
			p.initialize(t)
			m.initialize(t)

			var order []string
			var mu sync.Mutex
			closer := func(name string, err error) closerFunc {
				return func() error {
					mu.Lock()
					defer mu.Unlock()
					order = append(order, name)
					return err
				}
			}

			l, _ := testutils.NewLogger(slog.LevelError)
			s := exchange.New(t.Context(), p, m,
				exchange.WithMaxDegradedDuration(time.Second),
				exchange.WithLogger(l),
				exchange.WithCloser(closer("database", nil)),
				exchange.WithCloser(closer("drop", tc.closeErr)))

			errCh := runAsync(t, s)
			s.Quit(false)

			// Quit only returns once the resources are released.
			mu.Lock()
			require.Equal(t, []string{"database", "drop"}, order, "Resources should be closed in registration order")
			mu.Unlock()

			err := <-errCh
			if tc.wantErr {
				require.ErrorIs(t, err, tc.closeErr, "Run should report the close error")
				return
			}
			require.NoError(t, err, "Run should not error")
		})
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// runAsync runs the service in a goroutine and returns a channel receiving the result of Run.
func runAsync(t *testing.T, s *exchange.Service) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- s.Run()
	}()

	time.Sleep(50 * time.Millisecond)
	return errCh
}

// timedQuit calls Quit and checks whether it returned within 500 milliseconds.
func timedQuit(t *testing.T, s *exchange.Service, force, wantHang bool) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Quit(force)
	}()

	select {
	case <-done:
		require.False(t, wantHang, "Quit should have blocked")
	case <-time.After(500 * time.Millisecond):
		require.True(t, wantHang, "Quit should have returned")
	}
}

type mockPoller struct {
	hang   bool
	runErr error

	stop  context.Context
	fired context.CancelFunc
}

func (p *mockPoller) initialize(t *testing.T) {
	t.Helper()
	p.stop, p.fired = context.WithCancel(t.Context())
}

func (p *mockPoller) Run(ctx context.Context) error {
	if p.hang {
		<-p.stop.Done()
		return p.runErr
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop.Done():
		return p.runErr
	}
}

// fail makes Run return runErr, if any.
func (p *mockPoller) fail() {
	if p.runErr != nil {
		p.fired()
	}
}

type mockMetricsServer struct {
	listenErr error

	shutdownDelay time.Duration
	shutdownErr   error
	shutdownOnce  sync.Once
	shutdown      chan struct{}

	closeDelay time.Duration
	closeErr   error
	closeOnce  sync.Once
	closed     chan struct{}

	stop  context.Context
	fired context.CancelFunc
}

func (m *mockMetricsServer) initialize(t *testing.T) {
	t.Helper()
	m.shutdown = make(chan struct{})
	m.closed = make(chan struct{})
	m.stop, m.fired = context.WithCancel(t.Context())
}

func (m *mockMetricsServer) ListenAndServe() error {
	select {
	case <-m.stop.Done():
		return m.listenErr
	case <-m.shutdown:
	case <-m.closed:
	}
	return http.ErrServerClosed
}

func (m *mockMetricsServer) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() { close(m.shutdown) })

	select {
	case <-time.After(m.shutdownDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.shutdownErr
}

func (m *mockMetricsServer) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	time.Sleep(m.closeDelay)
	return m.closeErr
}

// fail makes ListenAndServe return listenErr, if any.
func (m *mockMetricsServer) fail() {
	if m.listenErr != nil {
		m.fired()
	}
}
