package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/srg/blez/internal/device"
	"github.com/stretchr/testify/suite"
)

type SubscribeTestSuite struct {
	CommandTestSuite
}

func (s *SubscribeTestSuite) SetupTest() {
	s.WithDefaultPeripherals()
	s.CommandTestSuite.SetupTest()
}

func (s *SubscribeTestSuite) TestPrintsValuesUntilCount() {
	// GOAL: Verify every notification is printed in arrival order and --count ends the command
	//
	// TEST SCENARIO: subscribe 2a19 --count 3 → three battery updates → three hex lines, nil error

	done := s.start(s.Context(), nil, firmataAddress, "2a19", "subscribe", "FIRMATA", "2a19", "--count", "3")
	for _, level := range []byte{49, 48, 47} {
		s.Require().NoError(s.Bus.EmitValue(firmataAddress, "2a19", []byte{level}))
	}

	res := s.wait(done)
	s.Require().NoError(res.err)
	s.Equal("31\n30\n2f\n", res.stdout)
}

func (s *SubscribeTestSuite) TestMultipleCharacteristicsArePrefixed() {
	done := s.start(s.Context(), nil, firmataAddress, nusTX, "subscribe", firmataAddress, "2a19", nusTX, "--count", "2", "--format", "utf8")
	s.Require().Eventually(func() bool { return s.Bus.IsNotifying(firmataAddress, "2a19") }, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.Bus.EmitValue(firmataAddress, nusTX, []byte("hi")))
	s.Require().NoError(s.Bus.EmitValue(firmataAddress, "2a19", []byte{0xFF}))

	res := s.wait(done)
	s.Require().NoError(res.err)
	s.Contains(res.stdout, nusTX+": hi\n")
	s.Contains(res.stdout, "2a19: ff\n", "invalid text MUST fall back to hex")
}

func (s *SubscribeTestSuite) TestConnectionLost() {
	done := s.start(s.Context(), nil, firmataAddress, "2a19", "subscribe", "FIRMATA", "2a19")

	s.Bus.DropLink(firmataAddress)

	res := s.wait(done)
	s.ErrorIs(res.err, ErrConnectionLost)
	s.Equal("connection lost: "+firmataAddress, FormatUserError(res.err))
}

func (s *SubscribeTestSuite) TestInterruptIsNotAnError() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := s.start(ctx, nil, firmataAddress, "2a19", "subscribe", "FIRMATA", "2a19")
	cancel()

	res := s.wait(done)
	s.NoError(res.err)
	s.Empty(strings.TrimSpace(res.stdout))
}

func (s *SubscribeTestSuite) TestNotSubscribable() {
	_, err := s.RunCmd("subscribe", sensorAddress, "2a38")
	s.ErrorIs(err, device.ErrNotSubscribable)
	s.False(s.Bus.IsNotifying(sensorAddress, "2a38"))
}

func (s *SubscribeTestSuite) TestValidation() {
	_, err := s.RunCmd("subscribe", firmataAddress)
	s.ErrorContains(err, "requires at least 2 arg(s)")

	_, err = s.RunCmd("subscribe", firmataAddress, "2a19", "--format", "raw")
	s.ErrorContains(err, "invalid format 'raw'")
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}
