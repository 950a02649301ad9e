package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/diskprov/internal/config"
	"github.com/fly-io/diskprov/internal/logging"
	"github.com/fly-io/diskprov/pkg/errors"
)

var (
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "diskprov",
	Short: "Disk provisioning orchestrator",
	Long: `Partitions and formats a local disk from a declarative request, tracking
every backend job to completion and recording each run in a local ledger.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func Execute() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/runs.db", "SQLite run ledger path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM journal directory")
	rootCmd.PersistentFlags().String("backend", config.BackendLinux, "Storage backend (linux|simulated)")
	rootCmd.PersistentFlags().String("s3-bucket", "", "Default S3 bucket for s3:// request sources")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	rootCmd.PersistentFlags().Duration("poll-interval", 500*time.Millisecond, "Job poll interval")
	rootCmd.PersistentFlags().Duration("job-timeout", 10*time.Minute, "Per-job timeout (0 waits forever)")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write run metrics to this node-exporter textfile")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text|json)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this rotated file")
	rootCmd.PersistentFlags().StringSlice("sim-disks", nil, "Simulated disks as index:size[:gpt|mbr|offline|readonly]")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "backend", "s3-bucket", "s3-region", "s3-endpoint",
		"poll-interval", "job-timeout", "metrics-textfile", "log-level", "log-format",
		"log-file", "sim-disks",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// setup loads configuration and installs the configured logger.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := loaded.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	cfg = loaded

	logCloser, err = logging.Setup(os.Stderr, logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	return errors.Wrap(err, "logging setup failed")
}

// run executes the root command with args. The log file is closed on every
// exit path, since cobra skips post-run hooks when a command fails.
func run(args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if cerr := closeLog(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "log close failed")
	}
	return err
}

func closeLog() error {
	if logCloser == nil {
		return nil
	}
	err := logCloser.Close()
	logCloser = nil
	return err
}
