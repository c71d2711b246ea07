package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh commands with
// their own flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blez",
		Short: "Bluetooth Low Energy central for BlueZ",
		Long: `Bluetooth Low Energy (BLE) central that talks to the BlueZ daemon over D-Bus:

- Scan and discover nearby BLE devices
- Inspect GATT services and characteristics
- Read from and write to characteristics
- Monitor characteristic changes via notifications
- Pair with devices
- Bridge the Nordic UART Service to the terminal`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main prints errors itself
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("adapter", "", "Bluetooth adapter (default from config, hci0)")
	flags.Duration("scan-timeout", 0, "How long to scan when looking up a device (default from config, 10s)")

	root.AddCommand(
		newScanCmd(),
		newInspectCmd(),
		newReadCmd(),
		newWriteCmd(),
		newSubscribeCmd(),
		newPairCmd(),
		newUARTCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}
