package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/testutils"
	"github.com/srg/blez/pkg/central"
	"github.com/srg/blez/pkg/config"
)

// Test peripherals shared by the command suites.
const (
	firmataAddress = "AA:BB:CC:DD:EE:FF"
	sensorAddress  = "11:22:33:44:55:66"

	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// lockedBuffer is written by the logger and the progress printer at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type commandResult struct {
	stdout string
	err    error
}

// CommandTestSuite runs commands against the simulated daemon.
// All cmd/blez suites embed it.
type CommandTestSuite struct {
	testutils.BlueZSuite

	origFactory func(*config.Config, *logrus.Logger) (bus.Conn, error)
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
	s.BlueZSuite.SetupSuite()
}

// WithDefaultPeripherals adds FIRMATA (NUS and battery) and Sensor (heart rate).
func (s *CommandTestSuite) WithDefaultPeripherals() {
	s.WithPeripheral(firmataAddress, "FIRMATA").
		WithRSSI(-50).
		WithService(nusService).
		WithCharacteristic(nusRX, "write,write-without-response", nil).
		WithCharacteristic(nusTX, "notify", nil).
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50})
	s.WithPeripheral(sensorAddress, "Sensor").
		WithRSSI(-70).
		WithService("180D").
		WithCharacteristic("2A37", "notify", nil).
		WithCharacteristic("2A38", "read", []byte{1})
}

func (s *CommandTestSuite) SetupTest() {
	s.BlueZSuite.SetupTest()

	s.origFactory = central.BusFactory
	central.BusFactory = func(*config.Config, *logrus.Logger) (bus.Conn, error) {
		return s.Bus, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	s.NoError(central.Shutdown(context.Background()))
	central.BusFactory = s.origFactory
	central.Configure(nil, nil)
	s.BlueZSuite.TearDownTest()
}

// Execute runs the CLI with a short lookup scan and returns stdout, stderr and the error.
func (s *CommandTestSuite) Execute(stdin io.Reader, args ...string) (string, string, error) {
	return s.ExecuteContext(s.Context(), stdin, args...)
}

// ExecuteContext is Execute bounded by ctx; cancelling ctx acts like Ctrl+C.
func (s *CommandTestSuite) ExecuteContext(ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var stdout bytes.Buffer
	var stderr lockedBuffer

	cmd := newRootCmd()
	cmd.SetIn(stdin)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--scan-timeout=100ms"))

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// start runs the command in the background and waits until uuid notifies.
func (s *CommandTestSuite) start(ctx context.Context, stdin io.Reader, address, uuid string, args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		out, _, err := s.ExecuteContext(ctx, stdin, args...)
		done <- commandResult{stdout: out, err: err}
	}()

	s.Require().Eventually(func() bool { return s.Bus.IsNotifying(address, uuid) }, 3*time.Second, 5*time.Millisecond,
		"command MUST enable notifications on %s", uuid)
	return done
}

func (s *CommandTestSuite) wait(done <-chan commandResult) commandResult {
	select {
	case res := <-done:
		return res
	case <-time.After(3 * time.Second):
		s.FailNow("command did not finish")
		return commandResult{}
	}
}

// RunCmd is Execute without stdin.
func (s *CommandTestSuite) RunCmd(args ...string) (string, error) {
	out, _, err := s.Execute(nil, args...)
	return out, err
}
