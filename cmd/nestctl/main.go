package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vango-dev/nest/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌┐┌┌─┐┌─┐┌┬┐
  │││├┤ └─┐ │
  ┘└┘└─┘└─┘ ┴
`

// colors is false when stdout is not a terminal.
var colors = term.IsTerminal(int(os.Stdout.Fd()))

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "nestctl",
		Short: "Inspect and drive nested subscriptions",
		Long: `nestctl runs and inspects nest subscription engines.

It can serve an in-memory data tree over websockets, watch a descriptor
file against a remote, print the live subscription graph and move cache
snapshots between runs:

  • serve      in-memory remote with /ws, /healthz and /metrics
  • watch      subscribe a descriptor file and print every change
  • graph      print the subscription graph as a table or DOT
  • snapshot   dump, load and list cache snapshots
  • get/set    read and write the remote tree`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor || !colors {
				colors = false
				errors.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "Directory containing nest.json")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logLevel (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		initCmd(&opts),
		serveCmd(&opts),
		watchCmd(&opts),
		graphCmd(&opts),
		snapshotCmd(&opts),
		getCmd(&opts),
		setCmd(&opts),
		updateCmd(&opts),
		pushCmd(&opts),
		removeCmd(&opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

// printBanner prints the nest ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

func paint(code, text string) string {
	if !colors {
		return text
	}
	return code + text + "\033[0m"
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("%s %s\n", paint("\033[32m", "✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("%s %s\n", paint("\033[33m", "⚠"), fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint("\033[31m", "✗"), fmt.Sprintf(format, args...))
}
