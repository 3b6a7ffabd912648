// Package constants is responsible for defining the constants used in the application.
// It also provides utility functions to get the default scratch directory.
package constants

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// ExchangeServiceCmdName is the name of the exchange service command.
	ExchangeServiceCmdName = "affiliate-exchange-service"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Exchange constants.
const (
	// DefaultFilePrefix is the prefix of inbound bundle file names.
	DefaultFilePrefix = "ARS_AFILIACIONES"

	// DefaultSourceSystem is recorded when a bundle does not name its producer.
	DefaultSourceSystem = "ARS_HUMANO"

	// DefaultInboundDir is the drop directory polled for new bundles.
	DefaultInboundDir = "/upload/afiliaciones"

	// DefaultProcessedDir is the drop directory consumed bundles are moved to.
	DefaultProcessedDir = "/upload/processed"

	// DefaultScratchFolder is the name of the local folder fetched bundles are copied to.
	DefaultScratchFolder = "affiliate-exchange"
)

var (
	// SupportedSchemaVersions is the default allow list of bundle schema versions.
	SupportedSchemaVersions = []string{"1.0"}

	// DefaultScratchDir is the default local scratch directory.
	DefaultScratchDir = DefaultScratchFolder
)

func init() {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("Could not fetch cache directory: %v", err))
	}

	DefaultScratchDir = filepath.Join(userCacheDir, DefaultScratchFolder, "tmp")
}
