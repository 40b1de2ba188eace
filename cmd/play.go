package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/audiolibrelab/lambro/internal/artifact"
	"github.com/audiolibrelab/lambro/internal/play"
	"github.com/spf13/afero"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <file>",
	Short: "Play a saved artifact",
	Long: `Play a file saved by 'lambro retune' or the 'w' key, using the configured player.
Will attempt mpv, ffplay and vlc in that order unless player.preferred is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		start, _ := cmd.Flags().GetDuration("start")

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot play %s: %w", path, err)
		}

		// Unknown durations only disable seek clamping
		var duration time.Duration
		if info, err := artifact.ProbeFile(afero.NewOsFs(), path); err == nil {
			duration = info.Duration
		} else {
			slog.Debug("Could not probe file", "path", path, "error", err)
		}

		player := play.New(play.WithPreferred(cfg.Player.Preferred))
		defer player.Close()

		if err := player.Load(path, duration); err != nil {
			return err
		}
		if err := player.Seek(start); err != nil {
			return err
		}

		fmt.Printf("Playing: %s\n", path)
		if err := player.Play(); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for player.Playing() {
			select {
			case <-ctx.Done():
				return player.Pause()
			case <-ticker.C:
			}
		}
		return nil
	},
}

func init() {
	playCmd.Flags().Duration("start", 0, "start offset (e.g. 1m30s)")
	rootCmd.AddCommand(playCmd)
}
