package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blez/pkg/uart"
	"golang.org/x/term"
)

// escapeByte (Ctrl+]) ends an interactive session.
const escapeByte = 0x1d

type uartFlags struct {
	chunkSize int
	drain     time.Duration
}

func newUARTCmd() *cobra.Command {
	f := &uartFlags{}
	cmd := &cobra.Command{
		Use:   "uart <device>",
		Short: "Bridge the Nordic UART Service to stdin and stdout",
		Long: `Connects to a device exposing the Nordic UART Service (NUS) and bridges it to
the terminal: stdin is written to RX and TX notifications are printed to stdout.

On a terminal, input is passed through raw; press Ctrl+] to exit. With
piped input the session ends at end of input, after waiting --drain for
replies.

Examples:
  # Interactive session
  blez uart FIRMATA

  # Send a Firmata version request and print the reply as hex
  printf '\xf0\x79\xf7' | blez uart FIRMATA | xxd`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUART(cmd, args[0], f)
		},
	}
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Largest RX write in bytes (default from config, 20)")
	cmd.Flags().DurationVar(&f.drain, "drain", 500*time.Millisecond, "Time to wait for replies after end of input")
	return cmd
}

func runUART(cmd *cobra.Command, id string, f *uartFlags) error {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Opening UART on %s", id), "Looking up", "Done")
	progress.Start()
	defer progress.Stop()

	dev, err := sess.connect(ctx, id, progress)
	if err != nil {
		return err
	}

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

	opts := uart.Options{ChunkSize: f.chunkSize}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = sess.cfg.UARTChunkSize
	}
	stream, err := uart.Open(ctx, dev, sess.central, opts, sess.logger)
	progress.Stop()
	if err != nil {
		return err
	}
	defer stream.Close()

	in := cmd.InOrStdin()
	var out io.Writer = cmd.OutOrStdout()
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		state, err := term.MakeRaw(int(file.Fd()))
		if err != nil {
			return fmt.Errorf("failed to switch terminal to raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(file.Fd()), state) }()
		out = crlfWriter{out}
		fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s. Press Ctrl+] to exit.\r\n", dev.Address())
	}

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, stream)
		outDone <- err
	}()

	inDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				escaped := false
				if idx := bytes.IndexByte(chunk, escapeByte); idx >= 0 {
					chunk, escaped = chunk[:idx], true
				}
				if len(chunk) > 0 {
					if _, werr := stream.WriteContext(ctx, chunk); werr != nil {
						inDone <- werr
						return
					}
				}
				if escaped {
					inDone <- nil
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				inDone <- err
				return
			}
		}
	}()

	var result error
	select {
	case err := <-inDone:
		if err != nil {
			result = err
			break
		}
		select {
		case <-time.After(f.drain):
		case <-ctx.Done():
		case <-lost:
			result = fmt.Errorf("%w: %s", ErrConnectionLost, dev.Address())
		}
	case <-lost:
		result = fmt.Errorf("%w: %s", ErrConnectionLost, dev.Address())
	case <-ctx.Done():
	}

	_ = stream.Close()
	if err := <-outDone; err != nil && result == nil {
		result = err
	}

	stats := stream.Stats()
	sess.logger.WithFields(logrus.Fields{
		"sent":     stats.Sent,
		"received": stats.Received,
		"dropped":  stats.Dropped,
	}).Info("UART session ended")
	return result
}

// crlfWriter turns "\n" into "\r\n" for a terminal in raw mode.
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
