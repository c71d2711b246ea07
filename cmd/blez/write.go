package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
)

func newWriteCmd() *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "write <device> <uuid> <value>",
		Short: "Write a value to a characteristic",
		Long: `Connects to a device and writes one value to a characteristic.
The value is hex unless --text is given.

Examples:
  # Firmata version request over the UART RX characteristic
  blez write FIRMATA 6e400002-b5a3-f393-e0a9-e50e24dcca9e "f0 79 f7"

  # Plain text
  blez write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e --text "hello"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args[0], args[1], args[2], text)
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "Treat the value as text instead of hex")
	return cmd
}

func runWrite(cmd *cobra.Command, id, uuid, value string, text bool) error {
	if _, err := device.NormalizeUUID(uuid); err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	data := []byte(value)
	if !text {
		var err error
		if data, err = parseHexValue(value); err != nil {
			return err
		}
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing to %s on %s", uuid, id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.connect(ctx, id, progress)
	if err != nil {
		return err
	}
	progress.SetPhase("Writing")
	err = dev.WriteCharacteristic(ctx, uuid, data)
	progress.SetPhase("Done")
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), device.ShortUUID(device.MustNormalizeUUID(uuid)))
	return nil
}
