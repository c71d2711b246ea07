package main

import (
	"testing"

	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type InspectTestSuite struct {
	CommandTestSuite
}

func (s *InspectTestSuite) SetupTest() {
	s.WithDefaultPeripherals()
	s.CommandTestSuite.SetupTest()
}

func (s *InspectTestSuite) TestText() {
	// GOAL: Verify inspect lists services in discovery order with known names and decoded values
	//
	// TEST SCENARIO: Inspect FIRMATA by name → NUS and Battery services → Battery Level read and decoded

	out, err := s.RunCmd("inspect", "FIRMATA")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Device AA:BB:CC:DD:EE:FF (FIRMATA)
  Connected: true  Paired: false  Trusted: false

Service 6e400001-b5a3-f393-e0a9-e50e24dcca9e (Nordic UART Service)
  6e400002-b5a3-f393-e0a9-e50e24dcca9e (UART RX) [write,write-without-response]
  6e400003-b5a3-f393-e0a9-e50e24dcca9e (UART TX) [notify]

Service 180f (Battery Service)
  2a19 (Battery Level) [read,notify]  value: 32 (50)
`)
	s.False(s.Bus.IsConnected(firmataAddress), "MUST disconnect when the command ends")
}

func (s *InspectTestSuite) TestJSON() {
	out, err := s.RunCmd("inspect", sensorAddress, "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"device": {"address": "11:22:33:44:55:66", "name": "Sensor", "state": "connected", "connected": true},
		"properties": {"connected": true, "paired": false},
		"services": [
			{
				"uuid": "0000180d-0000-1000-8000-00805f9b34fb",
				"name": "Heart Rate",
				"primary": true,
				"characteristics": [
					{"uuid": "00002a37-0000-1000-8000-00805f9b34fb", "name": "Heart Rate Measurement", "flags": ["notify"]},
					{"uuid": "00002a38-0000-1000-8000-00805f9b34fb", "name": "Body Sensor Location", "flags": ["read"], "value": "01"}
				]
			}
		]
	}`)
}

func (s *InspectTestSuite) TestReadFailureIsNotFatal() {
	s.Bus.SetError(bus.MethodReadValue, "org.bluez.Error.Failed")

	out, err := s.RunCmd("inspect", "FIRMATA")
	s.Require().NoError(err, "a failed read MUST NOT fail the inspection")
	s.Contains(out, "2a19 (Battery Level) [read,notify]")
}

func (s *InspectTestSuite) TestUnknownDevice() {
	_, err := s.RunCmd("inspect", "Nope")
	s.ErrorIs(err, device.ErrNotFound)
	s.Contains(FormatUserError(err), "hint: run 'blez scan'")
}

func (s *InspectTestSuite) TestConnectFailure() {
	s.Bus.SetError(bus.MethodConnect, "org.bluez.Error.Failed")

	_, err := s.RunCmd("inspect", firmataAddress)
	s.ErrorIs(err, device.ErrConnectFailed)
}

func TestInspectTestSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
