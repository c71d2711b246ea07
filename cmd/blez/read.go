package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
)

const (
	formatHex  = "hex"
	formatUTF8 = "utf8"
	formatRaw  = "raw"
)

func newReadCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "read <device> <uuid>",
		Short: "Read a characteristic value",
		Long: `Connects to a device, reads one characteristic and prints its value.

Examples:
  # Battery Level as hex
  blez read AA:BB:CC:DD:EE:FF 2a19

  # Device Name as text
  blez read AA:BB:CC:DD:EE:FF 2a00 --format utf8`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], args[1], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatHex, "Output format (hex, utf8, raw)")
	return cmd
}

func runRead(cmd *cobra.Command, id, uuid, format string) error {
	if err := checkValueFormat(format); err != nil {
		return err
	}
	if _, err := device.NormalizeUUID(uuid); err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", uuid, id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.connect(ctx, id, progress)
	if err != nil {
		return err
	}
	progress.SetPhase("Reading")
	value, err := dev.ReadCharacteristic(ctx, uuid)
	progress.SetPhase("Done")
	if err != nil {
		return err
	}
	return writeValue(cmd.OutOrStdout(), value, format)
}

func checkValueFormat(format string) error {
	switch format {
	case formatHex, formatUTF8, formatRaw:
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [hex utf8 raw]", format)
	}
}

// writeValue prints value in format. utf8 falls back to hex for invalid text.
func writeValue(w io.Writer, value []byte, format string) error {
	var err error
	switch format {
	case formatRaw:
		_, err = w.Write(value)
	case formatUTF8:
		if utf8.Valid(value) {
			_, err = fmt.Fprintln(w, string(value))
			break
		}
		fallthrough
	default:
		_, err = fmt.Fprintln(w, hex.EncodeToString(value))
	}
	return err
}

// parseHexValue accepts "0a1b", "0x0A1B", "0a 1b" and "0a:1b".
func parseHexValue(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, fmt.Errorf("empty value")
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return data, nil
}
