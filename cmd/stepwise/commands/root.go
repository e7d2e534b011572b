// Package commands implements the stepwise cli: local runs, the
// distributed master and worker roles, and job file validation.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stepwise-graph/stepwise/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "stepwise",
	Short:   "Superstep-synchronized graph computation",
	Long:    "Stepwise runs vertex programs over partitioned graphs in\nlock-stepped supersteps, with combiners, aggregators and\ncheckpoint-based recovery.",
	Version: version.Current,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Accept underscore spellings, STEPWISE_LOG_LEVEL style env vars map
	// onto the same names.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.stepwise.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP trace endpoint (empty disables export)")
	rootCmd.PersistentFlags().String("storage", "local", "checkpoint backend: local or s3")
	rootCmd.PersistentFlags().String("storage-root", ".stepwise", "root directory for the local backend")
	rootCmd.PersistentFlags().String("s3-bucket", "", "bucket for the s3 backend")

	for _, name := range []string{"log-level", "log-json", "otel-endpoint", "storage", "storage-root", "s3-bucket"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		viper.SetConfigFile(cfg)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.SetConfigFile(filepath.Join(home, ".stepwise.yaml"))
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("STEPWISE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// newLogger builds the process logger from config. Workers and the
// master always log structured; JSON is for log shippers.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if viper.GetBool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
