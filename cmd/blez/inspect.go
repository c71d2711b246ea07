package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/serde"
)

type inspectFlags struct {
	json bool
	read bool
}

// inspectReport is the JSON shape of an inspection.
type inspectReport struct {
	Device     deviceInfo           `json:"device"`
	Properties device.Properties    `json:"properties"`
	Services   []device.ServiceInfo `json:"services"`
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device>",
		Short: "Inspect services and characteristics of a BLE device",
		Long: `Connects to a BLE device and lists its GATT services and characteristics.
Readable characteristics are read unless --read=false is given.

The device may be given by address, object path or name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&f.read, "read", true, "Read values of readable characteristics")
	return cmd
}

func runInspect(cmd *cobra.Command, id string, f *inspectFlags) error {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.connect(ctx, id, progress)
	if err != nil {
		return err
	}

	if f.read {
		progress.SetPhase("Reading values")
		readAll(ctx, dev, sess)
	}
	progress.SetPhase("Done")

	cache, err := dev.Cache()
	if err != nil {
		return err
	}
	report := inspectReport{
		Device:     describeDevice(dev),
		Properties: dev.GetProperties(),
		Services:   cache.Snapshot(),
	}

	if f.json {
		return serde.WriteJSON(cmd.OutOrStdout(), report, true)
	}
	return printReport(cmd.OutOrStdout(), report)
}

// readAll reads every readable characteristic. Failures are logged and skipped.
func readAll(ctx context.Context, dev *device.Device, sess *session) {
	services, err := dev.Services()
	if err != nil {
		return
	}
	for _, svc := range services {
		for _, ch := range svc.Characteristics() {
			if !ch.CanRead() {
				continue
			}
			if _, err := dev.ReadValue(ctx, ch); err != nil {
				sess.logger.WithError(err).WithField("uuid", ch.UUID()).Warn("Read failed")
			}
		}
	}
}

func printReport(w io.Writer, r inspectReport) error {
	bold := color.New(color.Bold)

	fmt.Fprintf(w, "%s %s (%s)\n", bold.Sprint("Device"), r.Device.Address, displayName(r.Device.Name))
	fmt.Fprintf(w, "  Connected: %t  Paired: %t  Trusted: %t\n",
		r.Properties.Connected, r.Properties.Paired, r.Properties.Trusted)

	for _, svc := range r.Services {
		fmt.Fprintf(w, "\n%s %s%s\n", bold.Sprint("Service"), device.ShortUUID(svc.UUID), knownSuffix(svc.Name))
		for _, ch := range svc.Characteristics {
			line := fmt.Sprintf("  %s%s [%s]", device.ShortUUID(ch.UUID), knownSuffix(ch.Name), strings.Join(ch.Flags, ","))
			if ch.Value != "" {
				line += "  value: " + formatValue(ch.UUID, ch.Value)
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func knownSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " (" + name + ")"
}

// formatValue renders a hex value, decoded as well when the characteristic is well known.
func formatValue(uuid, hexValue string) string {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return hexValue
	}
	if parsed, err := device.ParseCharacteristicValue(uuid, raw); err == nil && parsed != nil {
		return fmt.Sprintf("%s (%v)", hexValue, parsed)
	}
	return hexValue
}
