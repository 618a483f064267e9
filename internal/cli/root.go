// Package cli provides the command-line interface for enhance.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/client"
	"github.com/raphaelgruber/enhance-go/internal/config"
	"github.com/raphaelgruber/enhance-go/internal/metrics"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	noTUI     bool
	serverURL string
	outputDir string

	// Set up in PersistentPreRunE
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	apiClient *client.Client
	bus       *broadcast.Broadcaster
	collector *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "enhance",
	Short: "Denoise and deblur images and videos on a remote backend",
	Long: `Enhance submits images and videos to a remote restoration backend,
tracks the jobs until they finish, downloads the results and manages the
backend's caches and loaded models.

The backend URL comes from --server, ENHANCE_SERVER_URL or the config file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serverURL != "" {
			cfg.ServerURL = serverURL
			cfg.StreamURL = ""
		}
		if outputDir != "" {
			cfg.OutputDir = outputDir
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		// The TUI owns the terminal; logs then only go to the file.
		logger, closeLog = config.SetupLogger(config.LogOptions{
			File:  cfg.LogFile,
			Level: cfg.LogLevel,
			Quiet: interactive() && !verbose,
		})
		slog.SetDefault(logger)

		apiClient = client.New(client.Options{
			BaseURL:   cfg.ServerURL,
			StreamURL: cfg.StreamURL,
			Timeout:   cfg.ClientTimeout,
		})
		bus = broadcast.New()
		collector = metrics.NewCollector()

		logger.Debug("cli ready", "server", apiClient.BaseURL(), "config_file", cfg.ConfigFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if bus != nil {
			bus.Close()
		}
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("enhance %s\n", Version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "plain line output even on a terminal")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "directory for downloaded results")

	// Add subcommands
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(videoCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(versionCmd)
}

// interactive reports whether the progress TUI should be used.
func interactive() bool {
	return !noTUI && term.IsTerminal(int(os.Stdout.Fd()))
}

// signalContext returns a context cancelled on Ctrl+C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
