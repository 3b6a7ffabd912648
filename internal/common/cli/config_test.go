package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"github.com/unipago/affiliate-exchange/internal/common/cli"
)

func TestEnvPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "AFFILIATE_EXCHANGE_SERVICE_", cli.EnvPrefix("affiliate-exchange-service"))
}

func TestInitViperConfig(t *testing.T) {
	tests := map[string]struct {
		fileContent string
		env         map[string]string

		wantPollInterval string
		wantHost         string
		wantErr          bool
	}{
		"No configuration file": {},
		"Values from configuration file": {
			fileContent:      "pollinterval: 45s\ndbconfig:\n  host: filehost\n",
			wantPollInterval: "45s",
			wantHost:         "filehost",
		},
		"Environment overrides configuration file": {
			fileContent:      "pollinterval: 45s\ndbconfig:\n  host: filehost\n",
			env:              map[string]string{"CLI_TEST_SERVICE_DBCONFIG_HOST": "envhost"},
			wantPollInterval: "45s",
			wantHost:         "envhost",
		},

		// Error cases
		"Invalid configuration file": {
			fileContent: "pollinterval: [",
			wantErr:     true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cmd := &cobra.Command{Use: "cli-test-service"}
			cli.InstallConfigFlag(cmd)

			var args []string
			if tc.fileContent != "" {
				p := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(p, []byte(tc.fileContent), 0600), "Setup: failed to write config file")
				args = append(args, "--config", p)
			}
			require.NoError(t, cmd.ParseFlags(args), "Setup: failed to parse flags")

			vip := viper.New()
			err := cli.InitViperConfig("cli-test-service", cmd, vip)
			if tc.wantErr {
				require.Error(t, err, "InitViperConfig should have failed")
				return
			}
			require.NoError(t, err, "InitViperConfig should not fail")

			require.Equal(t, tc.wantPollInterval, vip.GetString("pollinterval"), "Unexpected poll interval")
			require.Equal(t, tc.wantHost, vip.GetString("dbconfig.host"), "Unexpected database host")
		})
	}
}
