package main

import (
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
)

type subscribeFlags struct {
	format string
	count  int
	stamp  bool
}

type notification struct {
	uuid  string
	value []byte
	at    time.Time
}

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device> <uuid>...",
		Short: "Subscribe to characteristic notifications",
		Long: `Enables notifications on one or more characteristics and prints every
value as it arrives, until Ctrl+C, --count values or a lost connection.

Examples:
  # Battery level updates
  blez subscribe AA:BB:CC:DD:EE:FF 2a19

  # UART TX as text, stop after 10 messages
  blez subscribe FIRMATA 6e400003-b5a3-f393-e0a9-e50e24dcca9e --format utf8 --count 10`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args[0], args[1:], f)
		},
	}
	cmd.Flags().StringVar(&f.format, "format", formatHex, "Output format (hex, utf8)")
	cmd.Flags().IntVar(&f.count, "count", 0, "Exit after this many notifications (0 for no limit)")
	cmd.Flags().BoolVar(&f.stamp, "timestamps", false, "Prefix every line with the arrival time")
	return cmd
}

func runSubscribe(cmd *cobra.Command, id string, uuids []string, f *subscribeFlags) error {
	if f.format != formatHex && f.format != formatUTF8 {
		return fmt.Errorf("invalid format '%s': must be one of [hex utf8]", f.format)
	}
	normalized, err := device.ValidateUUID(uuids...)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing on %s", id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.connect(ctx, id, progress)
	if err != nil {
		return err
	}
	for _, u := range normalized {
		ch, err := dev.GetCharacteristicByUUID(u)
		if err != nil {
			return err
		}
		if !ch.CanNotify() {
			return &device.Error{Kind: device.KindNotSubscribable, Msg: fmt.Sprintf("characteristic %s", device.ShortUUID(u))}
		}
	}

	values := make(chan notification, 64)
	lost := make(chan struct{})

	if err := sess.central.RegisterStateChangeCallback(dev, func(connected bool) int {
		if !connected {
			select {
			case <-lost:
			default:
				close(lost)
			}
		}
		return 0
	}); err != nil {
		return err
	}
	for _, u := range normalized {
		u := u
		if err := sess.central.RegisterReadCallback(dev, u, func(value []byte, _ error) int {
			select {
			case values <- notification{uuid: u, value: value, at: time.Now()}:
			case <-ctx.Done():
			}
			return 0
		}); err != nil {
			return err
		}
		// registration enables notifications best effort; here they are required
		if err := dev.StartNotify(ctx, u); err != nil {
			if interrupted(ctx, err) {
				return nil
			}
			return err
		}
	}
	progress.SetPhase("Done")

	out := cmd.OutOrStdout()
	received := 0
	for {
		select {
		case n := <-values:
			line := formatNotification(n, f.format, len(normalized) > 1)
			if f.stamp {
				line = n.at.Format("15:04:05.000") + " " + line
			}
			fmt.Fprintln(out, line)
			received++
			if f.count > 0 && received >= f.count {
				return nil
			}
		case <-lost:
			return fmt.Errorf("%w: %s", ErrConnectionLost, dev.Address())
		case <-ctx.Done():
			return nil
		}
	}
}

func formatNotification(n notification, format string, prefix bool) string {
	text := hex.EncodeToString(n.value)
	if format == formatUTF8 && utf8.Valid(n.value) {
		text = string(n.value)
	}
	if prefix {
		return device.ShortUUID(n.uuid) + ": " + text
	}
	return text
}
