package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <device>",
		Short: "Pair with a BLE device",
		Long: `Asks the daemon to pair with a device. Pairing an already paired device
succeeds. Ctrl+C cancels a pairing in progress.

Pairing may need an agent (for example bluetoothctl) for devices that
require a passkey.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cmd, args[0])
		},
	}
}

func runPair(cmd *cobra.Command, id string) error {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Pairing with %s", id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.findDevice(ctx, id, progress.Callback())
	if err != nil {
		return err
	}

	progress.SetPhase("Pairing")
	err = dev.Pair(ctx)
	progress.SetPhase("Done")
	if err != nil {
		if interrupted(ctx, err) {
			cancelCtx, done := context.WithTimeout(context.Background(), sess.cfg.OperationTimeout)
			defer done()
			if cerr := dev.CancelPairing(cancelCtx); cerr != nil {
				sess.logger.WithError(cerr).Warn("CancelPairing failed")
			}
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s (%s)\n", dev.Address(), displayName(dev.Name()))
	return nil
}
