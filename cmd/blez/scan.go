package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/manager"
	"github.com/srg/blez/internal/serde"
	"github.com/srg/blez/pkg/config"
)

type scanFlags struct {
	duration time.Duration
	format   string
	services []string
	allow    []string
	block    []string
	watch    bool
}

// deviceInfo is the printable view of a registered device.
type deviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	RSSI      int16  `json:"rssi"`
	State     string `json:"state"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
}

func describeDevice(dev *device.Device) deviceInfo {
	props := dev.GetProperties()
	return deviceInfo{
		Address:   dev.Address(),
		Name:      dev.Name(),
		RSSI:      props.RSSI,
		State:     dev.State().String(),
		Paired:    props.Paired,
		Connected: props.Connected,
	}
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices the daemon already knows are listed together with the ones found
during the scan. With --watch the scan repeats until Ctrl+C and every
change is printed as it happens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json; default from config)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Scan continuously and print device changes")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	format := f.format
	if format != "" && format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	if len(f.services) > 0 {
		if _, err := device.ValidateUUID(f.services...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	var tweaks []func(*config.Config)
	if f.watch {
		// repeated scans must not drop and re-add every device
		tweaks = append(tweaks, func(cfg *config.Config) { cfg.KeepKnownDevices = true })
	}
	sess, err := newSession(cmd, tweaks...)
	if err != nil {
		return err
	}
	defer sess.Close()

	if format == "" {
		format = sess.cfg.OutputFormat
	}
	opts := &manager.ScanOptions{
		Duration:     f.duration,
		ServiceUUIDs: f.services,
		AllowList:    f.allow,
		BlockList:    f.block,
	}
	if opts.Duration <= 0 {
		opts.Duration = sess.cfg.ScanTimeout
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if f.watch {
		return runWatch(ctx, cmd.OutOrStdout(), sess.manager(), opts)
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	devices, err := sess.manager().ScanWithOptions(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	infos := make([]deviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, describeDevice(dev))
	}
	if format == "json" {
		return serde.WriteJSON(cmd.OutOrStdout(), infos, true)
	}
	return displayDevicesTable(cmd.OutOrStdout(), infos)
}

// runWatch repeats scans until ctx ends and prints registry events as they arrive.
func runWatch(ctx context.Context, w io.Writer, mgr *manager.Manager, opts *manager.ScanOptions) error {
	events := mgr.Events()
	defer mgr.Unsubscribe(events)

	scanErr := make(chan error, 1)
	go func() {
		for ctx.Err() == nil {
			if _, err := mgr.ScanWithOptions(ctx, opts, nil); err != nil {
				scanErr <- err
				return
			}
		}
		scanErr <- nil
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(w, ev)
		case err := <-scanErr:
			return err
		}
	}
}

func printEvent(w io.Writer, ev manager.Event) {
	info := describeDevice(ev.Device)
	switch ev.Type {
	case manager.EventAdded:
		fmt.Fprintf(w, "[+] %s %s\n", info.Address, displayName(info.Name))
	case manager.EventRemoved:
		fmt.Fprintf(w, "[-] %s %s\n", info.Address, displayName(info.Name))
	default:
		fmt.Fprintf(w, "[~] %s %s\n", info.Address, ev.State)
	}
}

func displayName(name string) string {
	if name == "" {
		return "(unknown)"
	}
	if len(name) > 20 {
		return name[:17] + "..."
	}
	return name
}

func displayDevicesTable(w io.Writer, devices []deviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSTATE")
	for _, d := range devices {
		rssi := "-"
		if d.RSSI != 0 {
			rssi = fmt.Sprintf("%d dBm", d.RSSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", displayName(d.Name), d.Address, rssi, d.State)
	}
	return tw.Flush()
}
