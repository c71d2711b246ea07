// Package uart implements a byte stream over the Nordic UART Service (NUS).
//
// The peripheral's TX characteristic notifies data to the central; the central
// writes to the RX characteristic. Incoming notifications are buffered in a
// byte ring until Read or ReadLine drains them.
package uart

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/pkg/central"
)

// Nordic UART Service UUIDs.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // central -> peripheral
	TXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // peripheral -> central
)

// ErrClosed is returned by writes on a closed stream.
var ErrClosed = errors.New("uart stream closed")

// Registrar installs read callbacks. *central.Central implements it.
type Registrar interface {
	RegisterReadCallback(dev *device.Device, uuid string, cb central.ReadCallback) error
	UnregisterReadCallback(dev *device.Device, uuid string) error
}

// Options configures a Stream.
type Options struct {
	// ChunkSize is the largest payload of one RX write, usually MTU-3.
	ChunkSize int `default:"20"`
	// BufferSize bounds the bytes received but not yet read. Bytes that do
	// not fit are dropped and counted.
	BufferSize int `default:"4096"`
}

// Stats counts stream traffic.
type Stats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
}

// Stream is a NUS connection to one device. Reads and writes may run
// concurrently with each other.
type Stream struct {
	dev    *device.Device
	reg    Registrar
	logger *logrus.Logger
	opts   Options

	buf     *ringbuffer.RingBuffer
	notify  chan struct{}
	closed  chan struct{}
	closeMu sync.Once

	readMu  sync.Mutex
	pending []byte // bytes taken from the ring but not yet returned by ReadLine

	received atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// Open binds a stream to a connected device whose services are discovered.
// It fails when the device has no usable NUS characteristics or notifications
// on TX cannot be enabled.
func Open(ctx context.Context, dev *device.Device, reg Registrar, opts Options, logger *logrus.Logger) (*Stream, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	rx, err := dev.GetCharacteristicByUUID(RXCharUUID)
	if err != nil {
		return nil, err
	}
	if !rx.CanWrite() && !rx.CanWriteWithoutResponse() {
		return nil, &device.Error{Kind: device.KindNotWritable, Msg: "NUS RX characteristic"}
	}
	tx, err := dev.GetCharacteristicByUUID(TXCharUUID)
	if err != nil {
		return nil, err
	}
	if !tx.CanNotify() {
		return nil, &device.Error{Kind: device.KindNotSubscribable, Msg: "NUS TX characteristic"}
	}

	s := &Stream{
		dev:    dev,
		reg:    reg,
		logger: logger,
		opts:   opts,
		buf:    ringbuffer.New(opts.BufferSize),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	if err := reg.RegisterReadCallback(dev, TXCharUUID, s.onData); err != nil {
		return nil, err
	}
	// Registration enables notifications best effort; a stream needs them.
	if err := dev.StartNotify(ctx, TXCharUUID); err != nil {
		_ = reg.UnregisterReadCallback(dev, TXCharUUID)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"address":    dev.Address(),
		"chunk_size": opts.ChunkSize,
	}).Debug("UART stream opened")
	return s, nil
}

// onData runs on the dispatcher's TX mailbox.
func (s *Stream) onData(value []byte, _ error) int {
	if s.isClosed() || len(value) == 0 {
		return 0
	}

	// A partial write reports ErrTooMuchDataToWrite, a full ring ErrIsFull.
	written, err := s.buf.Write(value)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		s.logger.WithError(err).Warn("UART buffer write failed")
		return 0
	}
	if written < len(value) {
		dropped := len(value) - written
		s.dropped.Add(uint64(dropped))
		s.logger.WithFields(logrus.Fields{
			"dropped":  dropped,
			"received": len(value),
		}).Warn("UART buffer overflow")
	}
	s.received.Add(uint64(written))

	if written > 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return 0
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Read blocks until data is available and returns io.EOF once the stream is
// closed and drained.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read bounded by ctx.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	return s.readRing(ctx, p)
}

// readRing waits for ring data. Callers hold readMu.
func (s *Stream) readRing(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := s.buf.TryRead(p)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		if s.isClosed() {
			return 0, io.EOF
		}

		select {
		case <-s.notify:
		case <-s.closed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// ReadLine returns the next newline-terminated message without its line ending.
func (s *Stream) ReadLine(ctx context.Context) (string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	chunk := make([]byte, 256)
	for {
		if idx := bytes.IndexByte(s.pending, '\n'); idx >= 0 {
			line := string(s.pending[:idx])
			s.pending = s.pending[idx+1:]
			return strings.TrimSuffix(line, "\r"), nil
		}

		n, err := s.readRing(ctx, chunk)
		if err != nil {
			if errors.Is(err, io.EOF) && len(s.pending) > 0 {
				line := string(s.pending)
				s.pending = nil
				return line, nil
			}
			return "", err
		}
		s.pending = append(s.pending, chunk[:n]...)
	}
}

// Write sends p to RX in ChunkSize pieces.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext is Write bounded by ctx. On failure it returns the bytes of the
// chunks that were accepted.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	written := 0
	for written < len(p) {
		end := written + s.opts.ChunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := s.dev.WriteCharacteristic(ctx, RXCharUUID, p[written:end]); err != nil {
			return written, err
		}
		s.sent.Add(uint64(end - written))
		written = end
	}
	return written, nil
}

// Stats returns the traffic counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Sent:     s.sent.Load(),
	}
}

// Close unregisters the TX callback. Buffered data can still be read;
// afterwards Read returns io.EOF.
func (s *Stream) Close() error {
	var err error
	s.closeMu.Do(func() {
		close(s.closed)
		err = s.reg.UnregisterReadCallback(s.dev, TXCharUUID)
		s.logger.WithField("address", s.dev.Address()).Debug("UART stream closed")
	})
	return err
}
