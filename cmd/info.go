package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/audiolibrelab/lambro/internal/backend"
	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/config"
	"github.com/audiolibrelab/lambro/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Resolve a link and show its metadata with the resolved configuration",
	Long:  `Resolve the link through the backend without rendering, then display the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := backend.New(cfg.Backend.URL,
			backend.WithTimeout(cfg.Backend.Timeout),
			backend.WithTrace(os.Getenv("LAMBRO_TRACE_HTTP") == "1"))

		info, err := client.GetAudioInfo(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve source: %w", err)
		}

		fmt.Printf("=== SOURCE ===\n")
		fmt.Printf("title: %s\n", info.Title)
		fmt.Printf("duration: %s\n", info.DurationValue().Round(time.Second))
		fmt.Printf("stream: %s\n", info.AudioStreamURL)
		if info.ThumbnailURL != "" {
			fmt.Printf("thumbnail: %s\n", info.ThumbnailURL)
		}
		fmt.Printf("save_as: %s\n", service.SaveFileName(info.Title, catalog.Sentinel, "wav"))

		printResolvedConfig()
		return nil
	},
}

// printResolvedConfig shows each setting with where it came from.
func printResolvedConfig() {
	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}
	fmt.Printf("\n=== RESOLVED CONFIGURATION (profile %s) ===\n", cfg.Profile)

	fmt.Printf("\n[Backend]\n")
	fmt.Printf("url: %s %s\n", cfg.Backend.URL, getInheritanceIndicator(inh.Backend.URL))
	fmt.Printf("timeout: %s %s\n", cfg.Backend.Timeout, getInheritanceIndicator(inh.Backend.Timeout))
	fmt.Printf("keep_alive_interval: %s %s\n", cfg.Backend.KeepAliveInterval, getInheritanceIndicator(inh.Backend.KeepAliveInterval))

	fmt.Printf("\n[Render]\n")
	fmt.Printf("playback_rate: %.1f %s\n", cfg.Render.PlaybackRate, getInheritanceIndicator(inh.Render.PlaybackRate))
	fmt.Printf("ai_preset: %t %s\n", cfg.Render.AIPreset, getInheritanceIndicator(inh.Render.AIPreset))

	fmt.Printf("\n[Dial]\n")
	fmt.Printf("radius: %g %s\n", cfg.Dial.Radius, getInheritanceIndicator(inh.Dial.Radius))
	fmt.Printf("tolerance: %g %s\n", cfg.Dial.Tolerance, getInheritanceIndicator(inh.Dial.Tolerance))

	fmt.Printf("\n[Storage]\n")
	fmt.Printf("cache_directory: %s %s\n", cfg.Storage.CacheDirectory, getInheritanceIndicator(inh.Storage.CacheDirectory))
	fmt.Printf("database: %s %s\n", cfg.Storage.Database, getInheritanceIndicator(inh.Storage.Database))

	fmt.Printf("\n[Player]\n")
	fmt.Printf("preferred: %s %s\n", cfg.Player.Preferred, getInheritanceIndicator(inh.Player.Preferred))

	fmt.Printf("\n[Share]\n")
	fmt.Printf("base_url: %s %s\n", cfg.Share.BaseURL, getInheritanceIndicator(inh.Share.BaseURL))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the rendering backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		start := time.Now()
		status, err := svc.Ping(ctx)
		if err != nil {
			return fmt.Errorf("backend %s unreachable: %w", cfg.Backend.URL, err)
		}
		fmt.Printf("%s answered in %s: %v\n", cfg.Backend.URL, time.Since(start).Round(time.Millisecond), status)
		return nil
	},
}
