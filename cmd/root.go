package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/lambro/internal/config"
	"github.com/audiolibrelab/lambro/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "lambro [url]",
	Short: "Retune audio from a video link to a healing frequency",
	Long: `Lambro resolves the audio behind a video link, sends it to a rendering
backend and plays the retuned result.

Pick a target on the Solfeggio dial, commit it, and the backend renders a new
artifact. Only the latest render is kept; older responses are discarded.

When a URL is provided, it acts as 'lambro tui [url]'.`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// The catalog is static, no config needed
		if cmd.Name() == "frequencies" {
			return nil
		}

		var err error
		cfg, err = config.LoadOrDefault(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "profile", cfg.Profile, "backend", cfg.Backend.URL)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a URL is provided, delegate to the terminal UI
		if len(args) == 1 {
			return tuiCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lambro.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=http tracing, 3=max tracing")

	// Flags for direct URL execution
	rootCmd.Flags().String("freq", "", "initial frequency (e.g. 528 or default)")
	rootCmd.Flags().String("log-file", "", "log file for the terminal UI (default is <cache_directory>/lambro.log)")

	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(retuneCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(frequenciesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(presetCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		// Level 2 and 3 additionally trace backend HTTP traffic
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

	if level >= 2 {
		os.Setenv("LAMBRO_TRACE_HTTP", "1")
	}
}

// newService builds the service for the loaded configuration.
func newService(opts ...service.Option) (*service.LambroService, error) {
	svc, err := service.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return svc, nil
}
