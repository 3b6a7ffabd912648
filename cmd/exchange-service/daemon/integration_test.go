package daemon_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unipago/affiliate-exchange/cmd/exchange-service/daemon"
	"github.com/unipago/affiliate-exchange/internal/common/metrics"
	"github.com/unipago/affiliate-exchange/internal/common/testutils"
	"github.com/unipago/affiliate-exchange/internal/exchange/bundle"
	"github.com/unipago/affiliate-exchange/internal/exchange/database"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"github.com/unipago/affiliate-exchange/internal/exchange/poller"
	"github.com/unipago/affiliate-exchange/internal/exchange/processor"
)

func TestMigrate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fakeMigration := filepath.Join(dir, "fake.sql")
	require.NoError(t, os.WriteFile(fakeMigration, []byte(""), 0600), "Setup: couldn't write fake migration file")
	emptyDir := t.TempDir()

	tests := map[string]struct {
		args               []string
		noDatabase         bool
		preApplyMigrations bool

		wantErr      bool
		wantUsageErr bool
	}{
		"Basic migration": {
			args: []string{testutils.MigrationsDir()},
		},
		"Pre-applied migrations": {
			args:               []string{testutils.MigrationsDir()},
			preApplyMigrations: true,
		},

		// Usage errors
		"No path": {
			noDatabase:   true,
			wantErr:      true,
			wantUsageErr: true,
		},
		"Non-existent path": {
			args:         []string{filepath.Join(dir, "non-existent-folder")},
			noDatabase:   true,
			wantErr:      true,
			wantUsageErr: true,
		},
		"Path to file": {
			args:         []string{fakeMigration},
			noDatabase:   true,
			wantErr:      true,
			wantUsageErr: true,
		},

		// Runtime errors
		"No database": {
			args:       []string{testutils.MigrationsDir()},
			noDatabase: true,
			wantErr:    true,
		},
		"Empty migrations directory": {
			args:    []string{emptyDir},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			conf := &daemon.AppConfig{
				DBConfig: database.Config{Host: "127.0.0.1", Port: 1, User: "nobody", DBName: "none", SSLMode: "disable"},
			}
			if !tc.noDatabase {
				db := testutils.StartPostgresContainer(t)
				conf.DBConfig = dbConfig(t, db)
				if tc.preApplyMigrations {
					testutils.ApplyMigrations(t, db.DSN, testutils.MigrationsDir())
				}
			}

			a := daemon.NewForTests(t, conf, append([]string{"migrate"}, tc.args...)...)
			err := a.Run()
			if tc.wantErr {
				require.Error(t, err, "migrate should fail")
				require.Equal(t, tc.wantUsageErr, a.UsageError(), "UsageError should match")
				return
			}
			require.NoError(t, err, "migrate should not fail")
		})
	}
}

func TestRunImportsDrop(t *testing.T) {
	t.Parallel()

	db := testutils.StartPostgresContainer(t)
	testutils.ApplyMigrations(t, db.DSN, testutils.MigrationsDir())

	root := t.TempDir()
	inbound := filepath.Join(root, "inbound")
	processed := filepath.Join(root, "processed")
	require.NoError(t, os.MkdirAll(inbound, 0750), "Setup: failed to create inbound dir")

	data, err := bundle.Encode(testutils.Bundle(
		testutils.Affiliate("001-0000001-1", 1500.50),
		testutils.Affiliate("001-0000002-1", 0),
	))
	require.NoError(t, err, "Setup: failed to encode bundle")
	const name = "ARS_AFILIACIONES_20240602_030000.json"
	require.NoError(t, os.WriteFile(filepath.Join(inbound, name), data, 0600), "Setup: failed to write bundle")

	conf := &daemon.AppConfig{
		DBConfig:      dbConfig(t, db),
		MetricsConfig: metrics.Config{Host: "127.0.0.1"},
		Drop:          "local",
		Watch:         true,
		Exchange: processor.Config{
			InboundDir:   inbound,
			ProcessedDir: processed,
			ScratchDir:   filepath.Join(root, "scratch"),
			RecordAudit:  true,
		},
		Poller: poller.Config{Interval: time.Hour},
	}

	a := daemon.NewForTests(t, conf)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()
	a.WaitReady()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(processed, name))
		return err == nil
	}, 30*time.Second, 100*time.Millisecond, "Bundle should be moved to the processed directory")
	require.Equal(t, 2, testutils.QueryInt(t, db.DSN, `SELECT COUNT(*) FROM affiliates`), "Both affiliates should be applied")
	require.Equal(t, 1, testutils.QueryInt(t, db.DSN, `SELECT COUNT(*) FROM import_audit WHERE filename = $1 AND status = 'SUCCESS'`, name),
		"The import should be audited")

	// A bundle deposited while running is picked up by the watcher.
	const second = "ARS_AFILIACIONES_20240603_030000.json"
	data, err = bundle.Encode(testutils.Bundle(testutils.Affiliate("001-0000003-1", 900)))
	require.NoError(t, err, "Setup: failed to encode second bundle")
	staged := filepath.Join(root, second)
	// Changes seen while a cycle is still running are dropped: deposit again until picked up.
	require.Eventually(t, func() bool {
		if _, err := os.Stat(filepath.Join(processed, second)); err == nil {
			return true
		}
		if err := os.WriteFile(staged, data, 0600); err != nil {
			return false
		}
		_ = os.Rename(staged, filepath.Join(inbound, second))
		return false
	}, 30*time.Second, 500*time.Millisecond, "Watched bundle should be imported before the next tick")

	a.Quit(false)
	select {
	case err := <-errCh:
		require.NoError(t, err, "Run should stop cleanly")
	case <-time.After(30 * time.Second):
		require.Fail(t, "Run did not return after Quit")
	}

	t.Run("Stats", func(t *testing.T) {
		var out bytes.Buffer
		s := daemon.NewForTests(t, &daemon.AppConfig{DBConfig: conf.DBConfig}, "stats", "--json")
		s.RootCmd().SetOut(&out)
		require.NoError(t, s.Run(), "stats should not fail")

		var stats models.Stats
		require.NoError(t, json.Unmarshal(out.Bytes(), &stats), "stats should print JSON")
		require.Equal(t, 3, stats.TotalAffiliates, "stats should count the affiliates")
		require.Equal(t, 2, stats.TotalImports, "stats should count the imports")
		require.Equal(t, 2, stats.SuccessfulImports, "stats should count the successful imports")
	})

	t.Run("History", func(t *testing.T) {
		var out bytes.Buffer
		h := daemon.NewForTests(t, &daemon.AppConfig{DBConfig: conf.DBConfig}, "history", "--limit", "1")
		h.RootCmd().SetOut(&out)
		require.NoError(t, h.Run(), "history should not fail")

		require.Contains(t, out.String(), second, "history should list the latest import")
		require.NotContains(t, out.String(), name, "history should be limited")
		require.Contains(t, out.String(), "SUCCESS", "history should print the status")
	})
}

func dbConfig(t *testing.T, db *testutils.PostgresContainer) database.Config {
	t.Helper()

	port, err := strconv.Atoi(db.Port)
	require.NoError(t, err, "Setup: invalid container port")
	return database.Config{
		Host:     db.Host,
		Port:     port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.Name,
		SSLMode:  "disable",
	}
}
