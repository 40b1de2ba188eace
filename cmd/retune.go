package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/service"
	"github.com/audiolibrelab/lambro/internal/session"

	"github.com/spf13/cobra"
)

var pipeline string

var retuneCmd = &cobra.Command{
	Use:   "retune <url>",
	Short: "Execute pipeline steps on a link without the interactive UI",
	Long: `Execute the specified pipeline steps on a link. Use -p to specify which steps to run:
r=resolve, t=tune (render the selected frequency), s=save the artifact, p=play it.

The frequency, tempo and AI preset flags only take effect when the pipeline
contains 't'; without it the original audio is rendered.`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return service.ValidatePipeline(strings.ToLower(pipeline))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		steps := strings.ToLower(pipeline)

		freq, _ := cmd.Flags().GetString("freq")
		spec, err := catalog.Default().Parse(freq)
		if err != nil {
			return err
		}

		tuning := session.Tuning{
			Frequency:    spec,
			PlaybackRate: cfg.Render.PlaybackRate,
			AIPreset:     cfg.Render.AIPreset,
		}
		if cmd.Flags().Changed("rate") {
			tuning.PlaybackRate, _ = cmd.Flags().GetFloat64("rate")
		}
		if cmd.Flags().Changed("ai") {
			tuning.AIPreset, _ = cmd.Flags().GetBool("ai")
		}
		outDir, _ := cmd.Flags().GetString("output")

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		fmt.Printf("Pipeline: %s on %s (%s, %.1fx)\n", steps, url, tuning.Frequency, tuning.PlaybackRate)
		if err := svc.RunPipeline(ctx, url, tuning, steps, outDir); err != nil {
			return err
		}

		snap := svc.Controller().Snapshot()
		if snap.Source != nil {
			fmt.Printf("Title: %s\n", snap.Source.Title)
		}
		fmt.Println("Pipeline: completed")
		return nil
	},
}

func init() {
	retuneCmd.Flags().StringVarP(&pipeline, "pipeline", "p", "rts", "pipeline steps: r=resolve, t=tune, s=save, p=play (e.g., 'rts', 'rtp', 'rs')")
	retuneCmd.Flags().String("freq", "", "target frequency (e.g. 528 or default)")
	retuneCmd.Flags().Float64("rate", 1.0, "playback rate between 0.5 and 2.0 (overrides config)")
	retuneCmd.Flags().Bool("ai", false, "enable the AI preset (overrides config)")
	retuneCmd.Flags().StringP("output", "o", ".", "output directory for the saved artifact")
}
