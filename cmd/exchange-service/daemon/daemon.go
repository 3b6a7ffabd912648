// Package daemon provides the affiliate exchange service daemon and its maintenance commands.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/unipago/affiliate-exchange/internal/common/cli"
	"github.com/unipago/affiliate-exchange/internal/common/constants"
	"github.com/unipago/affiliate-exchange/internal/common/metrics"
	"github.com/unipago/affiliate-exchange/internal/common/tracing"
	"github.com/unipago/affiliate-exchange/internal/exchange"
	"github.com/unipago/affiliate-exchange/internal/exchange/audit"
	"github.com/unipago/affiliate-exchange/internal/exchange/bundle"
	"github.com/unipago/affiliate-exchange/internal/exchange/database"
	"github.com/unipago/affiliate-exchange/internal/exchange/dropbox"
	"github.com/unipago/affiliate-exchange/internal/exchange/notify"
	"github.com/unipago/affiliate-exchange/internal/exchange/poller"
	"github.com/unipago/affiliate-exchange/internal/exchange/processor"
)

// Drop kinds.
const (
	dropLocal = "local"
	dropSFTP  = "sftp"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *exchange.Service

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	DBConfig      database.Config
	MetricsConfig metrics.Config
	Tracing       tracing.Config
	Kafka         notify.Config

	Drop  string
	SFTP  dropbox.SFTPConfig
	Watch bool

	Exchange        processor.Config
	Poller          poller.Config
	RequireChecksum bool
	SchemaVersions  []string

	MigrationsDir string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.ExchangeServiceCmdName,
		Short:         "Affiliate exchange import service",
		Long:          "Affiliate exchange import service polls a drop for affiliate bundles and applies them to a PostgreSQL database.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
			if err := cli.InitViperConfig(constants.ExchangeServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}
			slog.Info("Got app config", "db", a.config.DBConfig, "drop", a.config.Drop,
				"inbound", a.config.Exchange.InboundDir, "processed", a.config.Exchange.ProcessedDir)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	installStatsCmd(&a)
	installHistoryCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd
	cfg := &app.config

	cmd.PersistentFlags().CountVarP(&cfg.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&cfg.JSONLogs, "json-logs", false, "enable JSON formatted logs")
	addDBFlags(cmd, &cfg.DBConfig)

	// Drop flags
	cmd.Flags().StringVar(&cfg.Drop, "drop", dropLocal, "kind of drop holding the bundles: local or sftp")
	cmd.Flags().BoolVar(&cfg.Watch, "watch", false, "start a cycle as soon as the local inbound directory changes")
	cmd.Flags().StringVar(&cfg.SFTP.Host, "sftp-host", "", "SFTP server host")
	cmd.Flags().IntVar(&cfg.SFTP.Port, "sftp-port", 22, "SFTP server port")
	cmd.Flags().StringVar(&cfg.SFTP.User, "sftp-user", "", "SFTP user")
	cmd.Flags().StringVar(&cfg.SFTP.Password, "sftp-password", "", "SFTP password")
	cmd.Flags().StringVar(&cfg.SFTP.KeyFile, "sftp-key-file", "", "private key used to authenticate on the SFTP server")
	cmd.Flags().StringVar(&cfg.SFTP.KnownHostsFile, "sftp-known-hosts", "", "known_hosts file used to verify the SFTP server")
	cmd.Flags().DurationVar(&cfg.SFTP.DialTimeout, "sftp-dial-timeout", 15*time.Second, "timeout to establish the SFTP connection")
	cmd.Flags().Float64Var(&cfg.SFTP.RateLimit, "sftp-rate-limit", 0, "maximum SFTP operations per second, 0 for unlimited")

	// Import flags
	cmd.Flags().StringVar(&cfg.Exchange.InboundDir, "inbound-dir", constants.DefaultInboundDir, "drop directory polled for bundles")
	cmd.Flags().StringVar(&cfg.Exchange.ProcessedDir, "processed-dir", constants.DefaultProcessedDir, "drop directory consumed bundles are moved to")
	cmd.Flags().StringVar(&cfg.Exchange.FailedDir, "failed-dir", "", "drop directory bundles ending in ERROR are moved to, defaults to the processed directory")
	cmd.Flags().StringVar(&cfg.Exchange.FilePrefix, "file-prefix", constants.DefaultFilePrefix, "prefix of the bundle file names")
	cmd.Flags().StringVar(&cfg.Exchange.ScratchDir, "scratch-dir", constants.DefaultScratchDir, "local directory fetched bundles are copied to")
	cmd.Flags().StringVar(&cfg.Exchange.SourceSystem, "source-system", constants.DefaultSourceSystem, "source system recorded when a bundle does not name one")
	cmd.Flags().IntVar(&cfg.Exchange.BatchSize, "batch-size", 100, "number of affiliates between two progress logs")
	cmd.Flags().BoolVar(&cfg.Exchange.RecordAudit, "record-audit", false, "record a per-affiliate audit trail")
	cmd.Flags().DurationVar(&cfg.Exchange.RemoteTimeout, "remote-timeout", 30*time.Second, "timeout of every drop operation")
	cmd.Flags().DurationVar(&cfg.Exchange.TransactionTimeout, "transaction-timeout", 5*time.Minute, "timeout of the transaction applying one bundle")
	cmd.Flags().DurationVar(&cfg.Exchange.SettlePeriod, "settle-period", 10*time.Second, "time a bundle must stay unmodified before it is imported, 0 to import it as soon as it is listed")
	cmd.Flags().BoolVar(&cfg.RequireChecksum, "require-checksum", false, "reject bundles without a data checksum")
	cmd.Flags().StringSliceVar(&cfg.SchemaVersions, "schema-versions", constants.SupportedSchemaVersions, "accepted bundle schema versions")

	// Scheduling flags
	cmd.Flags().DurationVar(&cfg.Poller.Interval, "poll-interval", 30*time.Second, "period between two import cycles")
	cmd.Flags().DurationVar(&cfg.Poller.StatsInterval, "stats-interval", 5*time.Minute, "period between two statistics logs, 0 to disable")

	// Outcome publishing flags
	cmd.Flags().StringSliceVar(&cfg.Kafka.Brokers, "kafka-brokers", nil, "Kafka brokers import outcomes are published to")
	cmd.Flags().StringVar(&cfg.Kafka.Topic, "kafka-topic", "affiliate-imports", "Kafka topic import outcomes are published to")

	// Tracing flags
	cmd.Flags().StringVar(&cfg.Tracing.Endpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint traces are exported to, tracing is disabled when empty")
	cmd.Flags().BoolVar(&cfg.Tracing.Insecure, "otlp-insecure", false, "export traces without TLS")
	cmd.Flags().Float64Var(&cfg.Tracing.SamplingRatio, "trace-sampling-ratio", 1, "ratio of sampled cycles")

	// Metrics server flags
	cmd.Flags().DurationVar(&cfg.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&cfg.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&cfg.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&cfg.MetricsConfig.Port, "metrics-port", 2114, "port for the metrics endpoint")

	if err := cmd.MarkFlagDirname("scratch-dir"); err != nil {
		panic(fmt.Errorf("failed to mark scratch-dir flag as directory: %w", err))
	}
	if err := cmd.MarkFlagFilename("sftp-key-file"); err != nil {
		panic(fmt.Errorf("failed to mark sftp-key-file flag as filename: %w", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	defer a.markReady()
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	fmt.Printf("%s", buf[:n])
	return false
}

// Quit shuts down the daemon.
// A graceful Quit lets the running import cycle complete, a forced one interrupts it.
func (a *App) Quit(force bool) {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(force)
	}
}

// WaitReady waits for the daemon to be ready, or for its setup to fail.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

func (a *App) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) run() (err error) {
	defer a.markReady()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []io.Closer
	defer func() {
		if err == nil {
			return
		}
		// Setup failed: the service did not take ownership of the resources.
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, a.config.Tracing, constants.ExchangeServiceCmdName, constants.Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %v", err)
	}
	closers = append(closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	}))

	db, err := database.New(ctx, a.config.DBConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	closers = append(closers, db)

	drop, wakeUps, err := a.newDrop(ctx)
	if err != nil {
		return err
	}
	closers = append(closers, drop)

	var recOpts []audit.Options
	if len(a.config.Kafka.Brokers) > 0 {
		publisher, err := notify.New(a.config.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create outcome publisher: %v", err)
		}
		closers = append(closers, publisher)
		recOpts = append(recOpts, audit.WithPublisher(publisher))
	}
	rec := audit.New(db, recOpts...)

	versions := a.config.SchemaVersions
	if len(versions) == 0 {
		versions = constants.SupportedSchemaVersions
	}
	loader := bundle.NewLoader(versions, bundle.WithRequireChecksum(a.config.RequireChecksum))

	registry := prometheus.NewRegistry()
	proc, err := processor.New(a.config.Exchange, drop, db, rec, loader, registry)
	if err != nil {
		return fmt.Errorf("failed to create bundle processor: %v", err)
	}

	pl, err := poller.New(a.config.Poller, proc, registry, poller.WithStats(db), poller.WithWakeUps(wakeUps))
	if err != nil {
		return fmt.Errorf("failed to create poller: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry, metrics.WithHealthCheck("database", db.Ping))

	opts := make([]exchange.Option, 0, len(closers))
	for i := len(closers) - 1; i >= 0; i-- {
		opts = append(opts, exchange.WithCloser(closers[i]))
	}
	closers = nil

	a.daemon = exchange.New(ctx, pl, metricsServer, opts...)
	a.markReady()

	return a.daemon.Run()
}

// newDrop returns the drop selected by the configuration, and the wake-up channel of its watcher if any.
func (a *App) newDrop(ctx context.Context) (dropbox.Drop, <-chan struct{}, error) {
	switch a.config.Drop {
	case dropLocal, "":
		local := dropbox.NewLocal()
		if !a.config.Watch {
			return local, nil, nil
		}

		changes, errs, err := local.Watch(ctx, a.config.Exchange.InboundDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to watch inbound directory: %v", err)
		}
		go func() {
			for err := range errs {
				slog.Warn("Inbound directory watcher stopped, relying on polling only", "err", err)
			}
		}()
		return local, changes, nil

	case dropSFTP:
		if a.config.Watch {
			slog.Warn("Watching is only supported on a local drop, relying on polling only")
		}
		remote, err := dropbox.NewSFTP(a.config.SFTP)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to configure SFTP drop: %v", err)
		}
		return remote, nil, nil

	default:
		return nil, nil, errors.New("unknown drop kind " + a.config.Drop + ", expected local or sftp")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
