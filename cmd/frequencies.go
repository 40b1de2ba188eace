package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/dial"
	"github.com/audiolibrelab/lambro/internal/share"
	"github.com/audiolibrelab/lambro/internal/theme"
)

var frequenciesCmd = &cobra.Command{
	Use:   "frequencies",
	Short: "List the dial frequencies with their angles and theme colors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := catalog.Default()
		q, err := dial.ForCatalog(cat)
		if err != nil {
			return err
		}
		themes := theme.Default()

		t := newTable("#", "FREQUENCY", "NAME", "ANGLE", "ACCENT")
		for i, spec := range cat.All() {
			accent := themes.For(spec).Hex("accent", "")
			swatch := lipgloss.NewStyle().Foreground(lipgloss.Color(accent)).Render("██ " + accent)
			t.Row(strconv.Itoa(i), spec.Param(), spec.Label, fmt.Sprintf("%.0f°", q.Angle(i)), swatch)
		}
		fmt.Println(t.Render())
		return nil
	},
}

var shareCmd = &cobra.Command{
	Use:   "share <url>",
	Short: "Print a shareable link for a source and frequency",
	Long:  `Build a link that opens the source on the given frequency, both in 'lambro open' and in the web page served by 'lambro serve'.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freq, _ := cmd.Flags().GetString("freq")
		spec, err := catalog.Default().Parse(freq)
		if err != nil {
			return err
		}
		link, err := share.Build(cfg.Share.BaseURL, args[0], spec, share.NewSessionID())
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}

func init() {
	shareCmd.Flags().String("freq", "", "frequency to share (e.g. 528 or default)")
}
