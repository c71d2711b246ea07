package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralAddress is the address of the peripheral SetupTest adds when
// a test configures none.
const DefaultPeripheralAddress = "AA:BB:CC:DD:EE:01"

// BlueZSuite provides a fresh in-memory BlueZ daemon for every test.
//
// Basic usage (one peripheral with a Battery service):
//
//	type DeviceSuite struct {
//	    testutils.BlueZSuite
//	}
//
//	func TestDeviceSuite(t *testing.T) {
//	    suite.Run(t, new(DeviceSuite))
//	}
//
// Custom peripherals are configured before the parent SetupTest runs:
//
//	func (s *DeviceSuite) SetupTest() {
//	    s.WithPeripheral("AA:BB:CC:DD:EE:02", "FIRMATA").
//	        WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
//	        WithCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", "write", nil)
//
//	    s.BlueZSuite.SetupTest()
//	}
type BlueZSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	// Bus is the simulated daemon of the current test.
	Bus *FakeBus

	builders []*PeripheralBuilder
}

func (s *BlueZSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 5 * time.Second
	}
	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates the daemon and adds the configured peripherals.
func (s *BlueZSuite) SetupTest() {
	if s.Logger == nil {
		s.SetupSuite()
	}
	if len(s.builders) == 0 {
		s.builders = append(s.builders, defaultPeripheralBuilder())
	}

	s.Bus = NewFakeBus(s.Logger)
	for _, b := range s.builders {
		s.Bus.AddPeripheral(b.Build())
	}
	s.Logger.WithField("peripherals", len(s.builders)).Debug("Test setup completed")
}

func (s *BlueZSuite) TearDownTest() {
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
	s.builders = nil
}

// WithPeripheral adds a peripheral to the next test's daemon and returns its builder.
func (s *BlueZSuite) WithPeripheral(address, name string) *PeripheralBuilder {
	b := NewPeripheral(address, name)
	s.builders = append(s.builders, b)
	return b
}

// Context returns a context bounded by TestTimeout and cancelled at test end.
func (s *BlueZSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// defaultPeripheralBuilder is a Battery service (180F) with Battery Level (2A19) at 50%.
func defaultPeripheralBuilder() *PeripheralBuilder {
	return NewPeripheral(DefaultPeripheralAddress, "Battery").
		FromJSON(`
		{
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				}
			]
		}`)
}
