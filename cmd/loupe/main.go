package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/config"
	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/logger"
	"github.com/lyndonlyu/loupe/internal/metrics"
)

const version = "0.1.0"

var (
	cfgFile       string
	verbose       bool
	showMetrics   bool
	metricsFormat string

	cfg            *config.Config
	lg             = zap.NewNop()
	registry       *prometheus.Registry
	lockMetrics    = metrics.NewNoopLockMetrics()
	sessionMetrics = metrics.NewNoopSessionMetrics()
)

var rootCmd = &cobra.Command{
	Use:   "loupe",
	Short: "Loupe - session file recorder and repository tool",
	Long: "Loupe writes binary session files, keeps a shared repository of them indexed, " +
		"and coordinates access between processes with file locks.",
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		major, minor := fileheader.DefaultVersion()
		fmt.Printf("loupe v%s (session file protocol %d.%d)\n", version, major, minor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.loupe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print collected metrics to stderr on exit")
	rootCmd.PersistentFlags().StringVar(&metricsFormat, "metrics-format", "human", "Metrics output format: human or jsonl")

	rootCmd.AddCommand(versionCmd, configCmd, inspectCmd, recordCmd, scanCmd, sessionsCmd, statusCmd, lockCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// setup loads configuration and builds the logger and metrics every
// command shares.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if verbose {
		c.Logging.Level = "debug"
	}
	l, err := logger.New(c.Logging, os.Stderr)
	if err != nil {
		return err
	}

	major, minor, err := c.Session.ProtocolVersion()
	if err != nil {
		return err
	}
	fileheader.SetDefaultVersion(major, minor)

	if c.Metrics.Enabled || showMetrics {
		registry = prometheus.NewRegistry()
		lockMetrics = metrics.NewLockMetrics(registry)
		sessionMetrics = metrics.NewSessionMetrics(registry)
	}

	cfg, lg = c, l
	lg.Debug("configuration loaded", zap.String("path", configPath()), zap.String("repository", c.Repository.Dir))
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	_ = lg.Sync()
	if !showMetrics || registry == nil {
		return nil
	}
	collected, err := metrics.Snapshot(registry)
	if err != nil {
		return fmt.Errorf("metrics collection failed: %w", err)
	}
	switch metricsFormat {
	case "jsonl":
		out, err := metrics.FormatJSONL(collected)
		if err != nil {
			return fmt.Errorf("format error: %w", err)
		}
		fmt.Fprint(os.Stderr, out)
	default:
		fmt.Fprint(os.Stderr, metrics.FormatHuman(collected))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
