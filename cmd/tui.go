package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/service"
	"github.com/audiolibrelab/lambro/internal/share"
	"github.com/audiolibrelab/lambro/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui [url]",
	Short: "Open the interactive retune session",
	Long: `Open the terminal session: paste a link, turn the dial with the mouse or
the arrow keys, press enter to render the selected frequency.

Logs go to a file while the screen is in use.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := ""
		if len(args) == 1 {
			url = args[0]
		}
		freq, _ := cmd.Flags().GetString("freq")
		logFile, _ := cmd.Flags().GetString("log-file")

		if url == "" || freq == "" {
			return runTUI(url, nil, logFile)
		}
		spec, err := catalog.Default().Parse(freq)
		if err != nil {
			return err
		}
		return runTUI(url, &share.Link{SourceURL: url, Frequency: spec}, logFile)
	},
}

var openCmd = &cobra.Command{
	Use:   "open <share-link>",
	Short: "Open a shared link in the interactive session",
	Long:  `Start a session from a link produced by 'lambro share'. The first render already uses the shared frequency.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := share.Parse(args[0], catalog.Default())
		if err != nil {
			return fmt.Errorf("invalid share link: %w", err)
		}
		logFile, _ := cmd.Flags().GetString("log-file")
		return runTUI(link.SourceURL, &link, logFile)
	},
}

// runTUI starts a session for url (or a share link) and hands the terminal
// to the UI until the user quits.
func runTUI(url string, link *share.Link, logFile string) error {
	if logFile == "" {
		logFile = filepath.Join(cfg.Storage.CacheDirectory, "lambro.log")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := tea.LogToFile(logFile, "lambro")
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	// Keep the alternate screen clean
	level := slog.LevelInfo
	if verboseLevel > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))

	styles := tui.NewStyles()
	svc, err := newService(service.WithThemeApplier(styles))
	if err != nil {
		return err
	}
	defer svc.Close()

	switch {
	case link != nil:
		err = svc.OpenShareLink(*link)
	case url != "":
		err = svc.Submit(url)
	}
	if err != nil {
		slog.Warn("Initial session rejected", "url", url, "error", err)
	}

	return tui.Run(svc, styles, url)
}

func init() {
	tuiCmd.Flags().String("freq", "", "initial frequency (e.g. 528 or default)")
	tuiCmd.Flags().String("log-file", "", "log file (default is <cache_directory>/lambro.log)")
	openCmd.Flags().String("log-file", "", "log file (default is <cache_directory>/lambro.log)")
}
