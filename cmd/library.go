package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/lambro/internal/catalog"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or clear the list of completed renders",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent renders, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.ListHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No renders yet")
			return nil
		}

		t := newTable("WHEN", "FREQUENCY", "TITLE", "URL")
		for _, e := range entries {
			t.Row(e.CreatedAt.Local().Format("2006-01-02 15:04"), describeFrequency(e.Frequency), e.Title, e.URL)
		}
		fmt.Println(t.Render())
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the render history",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.ClearHistory(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("History cleared")
		return nil
	},
}

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Manage named frequencies",
}

var presetSaveCmd = &cobra.Command{
	Use:   "save <name> <frequency>",
	Short: "Save a frequency under a name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := catalog.Default().Parse(args[1])
		if err != nil {
			return err
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.SavePreset(cmd.Context(), args[0], spec); err != nil {
			return err
		}
		fmt.Printf("Saved preset %s = %s\n", args[0], spec)
		return nil
	},
}

var presetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		presets, err := svc.ListPresets(cmd.Context())
		if err != nil {
			return err
		}
		if len(presets) == 0 {
			fmt.Println("No presets saved")
			return nil
		}

		t := newTable("NAME", "FREQUENCY", "UPDATED")
		for _, p := range presets {
			t.Row(p.Name, describeFrequency(p.Frequency), p.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Println(t.Render())
		return nil
	},
}

var presetRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Delete a preset",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.DeletePreset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted preset %s\n", args[0])
		return nil
	},
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

// describeFrequency renders a stored frequency, where nil is the original audio.
func describeFrequency(hz *float64) string {
	if hz == nil {
		return catalog.Sentinel.String()
	}
	if spec, ok := catalog.Default().Lookup(*hz); ok {
		return spec.String()
	}
	return strconv.FormatFloat(*hz, 'f', -1, 64) + " Hz"
}

func init() {
	historyListCmd.Flags().IntP("limit", "n", 20, "number of entries to show")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyClearCmd)

	presetCmd.AddCommand(presetSaveCmd)
	presetCmd.AddCommand(presetListCmd)
	presetCmd.AddCommand(presetRmCmd)
}
