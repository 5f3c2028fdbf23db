package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/tafim/internal/config"
	"github.com/tanq16/tafim/internal/output"
	"github.com/tanq16/tafim/internal/scheduler"
	"github.com/tanq16/tafim/internal/utils"
)

// maxTotalConnections caps connections across parallel jobs.
const maxTotalConnections = 64

var (
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
)

var TafimVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "tafim",
	Short:   "Tafim is a resumable, multi-connection CLI download manager",
	Version: TafimVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		logCloser, err = utils.InitLogger(cfg.Debug, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		log.Debug().Str("op", "cmd/root").Msgf("Loaded config: %d connections, %d workers, %d retries", cfg.Connections, cfg.Workers, cfg.Retries)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.config/tafim/config.yaml if present)")
	flags.IntP("workers", "w", 1, "Number of links to download in parallel")
	flags.IntP("connections", "c", 32, "Number of connections per download (above 8 enables high-thread-mode)")
	flags.DurationP("timeout", "t", 10*time.Second, "Timeout for the metadata probe (eg. 5s, 1m)")
	flags.Duration("read-timeout", 15*time.Second, "Abort a connection that receives no data for this long")
	flags.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.Int("retries", 3, "Retry attempts per chunk after the first failure")
	flags.Duration("retry-backoff", 500*time.Millisecond, "Initial wait between chunk retries, doubled per attempt")
	flags.Duration("retry-max-backoff", 10*time.Second, "Upper bound for the wait between chunk retries")
	flags.String("log-file", "", "Write JSON logs to this file instead of the terminal")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newS3Cmd())
	rootCmd.AddCommand(newGHReleaseCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// newJob fills in the engine settings shared by every job.
func newJob(jobType, link, outputPath string, numJobs int) utils.TafimJob {
	connections := cfg.Connections
	if workers := min(cfg.Workers, max(numJobs, 1)); workers*connections > maxTotalConnections {
		connections = max(maxTotalConnections/workers, 1)
	}
	return utils.TafimJob{
		JobType:          jobType,
		URL:              link,
		OutputPath:       outputPath,
		Connections:      connections,
		HTTPClientConfig: cfg.HTTPClientConfig(),
		Retry:            cfg.RetryConfig(),
		TickInterval:     cfg.TickInterval,
		Metadata:         make(map[string]any),
	}
}

// runJobs downloads jobs until they finish or the process is interrupted.
// An interrupt pauses running jobs so the same command resumes them.
func runJobs(jobs []utils.TafimJob) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := utils.NewTafimHTTPClient(cfg.HTTPClientConfig())
	defer client.CloseIdleConnections()

	err := scheduler.Run(ctx, jobs, cfg.Workers, client)
	if err == nil {
		return nil
	}
	fmt.Println()
	if errors.Is(err, utils.ErrJobPaused) {
		output.PrintWarning("Interrupted: progress saved, run the same command again to resume")
	} else {
		output.PrintError("Encountered failed operation(s)")
	}
	return err
}
