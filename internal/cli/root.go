// Package cli implements the voxcore inspection commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxcore/voxcore/internal/ids"
	"github.com/voxcore/voxcore/internal/jobs"
	"github.com/voxcore/voxcore/internal/memory"
	"github.com/voxcore/voxcore/internal/trace"
)

var dataDir string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "voxcore",
	Short: "Session core for a voice assistant",
	Long:  "Inspect and manage the voice assistant session stores: event traces, context memory, and research jobs.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default: $VOXCORE_DATA_DIR or ~/.voxcore)")
}

func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	return ids.DataDir()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	if os.Getenv("VOXCORE_DEBUG") != "" {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openTrace() (*trace.Store, error) {
	return trace.NewStore(filepath.Join(getDataDir(), "traces.db"), newLogger())
}

func openMemory() (*memory.Store, error) {
	return memory.NewStore(filepath.Join(getDataDir(), "memory.db"))
}

func openJobs() (*jobs.Queue, error) {
	return jobs.NewQueue(filepath.Join(getDataDir(), "jobs.db"))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
