package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (s *ScanTestSuite) SetupTest() {
	s.WithDefaultPeripherals()
	s.CommandTestSuite.SetupTest()
}

func (s *ScanTestSuite) TestHelp() {
	out, err := s.RunCmd("scan", "--help")
	s.Require().NoError(err, "help command MUST succeed")

	s.Contains(out, "Scan for and display Bluetooth Low Energy devices", "help MUST contain command description")
	s.Contains(out, "--duration", "help MUST document --duration flag")
	s.Contains(out, "--watch", "help MUST document --watch flag")
}

func (s *ScanTestSuite) TestInvalidFormat() {
	_, err := s.RunCmd("scan", "--format=invalid")
	s.Require().Error(err, "invalid format MUST return error")
	s.Contains(err.Error(), "invalid format 'invalid': must be one of [table json]")
}

func (s *ScanTestSuite) TestInvalidServiceUUID() {
	_, err := s.RunCmd("scan", "--services", "not-a-uuid")
	s.ErrorContains(err, "invalid service UUID")
	s.Zero(s.Bus.CallCount(bus.MethodStartDiscovery), "MUST NOT scan with a bad filter")
}

func (s *ScanTestSuite) TestTable() {
	// GOAL: Verify scan prints discovered devices as a table in discovery order
	//
	// TEST SCENARIO: Two advertising peripherals → scan → header plus one row each

	out, err := s.RunCmd("scan")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
NAME     ADDRESS            RSSI     STATE
Sensor   11:22:33:44:55:66  -70 dBm  discovered
FIRMATA  AA:BB:CC:DD:EE:FF  -50 dBm  discovered
`)
}

func (s *ScanTestSuite) TestJSON() {
	out, err := s.RunCmd("scan", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).Assert(out, `[
		{"address": "11:22:33:44:55:66", "name": "Sensor", "rssi": -70, "state": "discovered", "paired": false, "connected": false},
		{"address": "AA:BB:CC:DD:EE:FF", "name": "FIRMATA", "rssi": -50, "state": "discovered", "paired": false, "connected": false}
	]`)
}

func (s *ScanTestSuite) TestFilters() {
	tests := []struct {
		name     string
		args     []string
		expected []string
		hidden   []string
	}{
		{
			name:     "service filter",
			args:     []string{"--services", "180d"},
			expected: []string{"Sensor"},
			hidden:   []string{"FIRMATA"},
		},
		{
			name:     "allow list",
			args:     []string{"--allow", "aa:bb:cc:dd:ee:ff"},
			expected: []string{"FIRMATA"},
			hidden:   []string{"Sensor"},
		},
		{
			name:     "block list",
			args:     []string{"--block", firmataAddress},
			expected: []string{"Sensor"},
			hidden:   []string{"FIRMATA"},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.TearDownTest()
			s.SetupTest()

			out, err := s.RunCmd(append([]string{"scan"}, tt.args...)...)
			s.Require().NoError(err)
			for _, name := range tt.expected {
				s.Contains(out, name, "filtered scan MUST list %s", name)
			}
			for _, name := range tt.hidden {
				s.NotContains(out, name, "filtered scan MUST hide %s", name)
			}
		})
	}
}

func (s *ScanTestSuite) TestNothingFound() {
	out, err := s.RunCmd("scan", "--allow", "00:00:00:00:00:00")
	s.Require().NoError(err)
	s.Equal("No devices discovered\n", out)
}

func (s *ScanTestSuite) TestDaemonUnavailable() {
	s.Bus.FailNext(bus.MethodStartDiscovery, "org.freedesktop.DBus.Error.ServiceUnknown")

	_, err := s.RunCmd("scan")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "hint: is bluetoothd running?")
}

func (s *ScanTestSuite) TestWatchPrintsEventsUntilCancelled() {
	// GOAL: Verify watch mode repeats scans and prints each device once until interrupted
	//
	// TEST SCENARIO: scan --watch → cancel after several scan rounds → each device added exactly once, nil error

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	out, _, err := s.ExecuteContext(ctx, nil, "scan", "--watch", "--duration", "50ms")
	s.Require().NoError(err, "interrupting watch mode MUST NOT be an error")

	s.Equal(1, strings.Count(out, "[+] 11:22:33:44:55:66 Sensor\n"), "MUST announce Sensor once")
	s.Equal(1, strings.Count(out, "[+] AA:BB:CC:DD:EE:FF FIRMATA\n"), "MUST announce FIRMATA once")
	s.NotContains(out, "[-]", "MUST NOT drop devices between rounds")
	s.Greater(s.Bus.CallCount(bus.MethodStartDiscovery), 1, "MUST scan repeatedly")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
