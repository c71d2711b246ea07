package main

import (
	"testing"

	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/stretchr/testify/suite"
)

type ReadWriteTestSuite struct {
	CommandTestSuite
}

func (s *ReadWriteTestSuite) SetupTest() {
	s.WithDefaultPeripherals()
	s.WithPeripheral("22:33:44:55:66:77", "Named").
		WithService("1800").
		WithCharacteristic("2A00", "read", []byte("Kitchen")).
		WithCharacteristic("2A01", "read", []byte{0xFF, 0xFF})
	s.CommandTestSuite.SetupTest()
}

func (s *ReadWriteTestSuite) TestRead() {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{name: "hex by default", args: []string{"read", firmataAddress, "2a19"}, expected: "32\n"},
		{name: "utf8", args: []string{"read", "Named", "2a00", "--format", "utf8"}, expected: "Kitchen\n"},
		{name: "raw", args: []string{"read", "Named", "2A00", "--format", "raw"}, expected: "Kitchen"},
		{name: "utf8 falls back to hex", args: []string{"read", "Named", "2a01", "--format", "utf8"}, expected: "ffff\n"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.TearDownTest()
			s.SetupTest()

			out, err := s.RunCmd(tt.args...)
			s.Require().NoError(err)
			s.Equal(tt.expected, out)
		})
	}
}

func (s *ReadWriteTestSuite) TestReadValidation() {
	_, err := s.RunCmd("read", firmataAddress, "2a19", "--format", "base64")
	s.ErrorContains(err, "invalid format 'base64'")

	_, err = s.RunCmd("read", firmataAddress, "xyz")
	s.ErrorContains(err, "invalid characteristic UUID")
	s.Zero(s.Bus.CallCount(bus.MethodStartDiscovery), "MUST validate before touching the daemon")
}

func (s *ReadWriteTestSuite) TestReadNotReadable() {
	_, err := s.RunCmd("read", firmataAddress, nusTX)
	s.ErrorIs(err, device.ErrNotReadable)
	s.Contains(FormatUserError(err), "does not support reads")
}

func (s *ReadWriteTestSuite) TestReadUnknownCharacteristic() {
	_, err := s.RunCmd("read", firmataAddress, "2a37")
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *ReadWriteTestSuite) TestWriteHex() {
	// GOAL: Verify write decodes the hex value and sends it to the characteristic
	//
	// TEST SCENARIO: write FIRMATA <RX> "f0 79 f7" → RX receives {0xF0,0x79,0xF7}

	out, err := s.RunCmd("write", "FIRMATA", nusRX, "f0 79 f7")
	s.Require().NoError(err)
	s.Equal("Wrote 3 bytes to "+nusRX+"\n", out)

	writes := s.Bus.WrittenValues(firmataAddress, nusRX)
	s.Require().Len(writes, 1)
	s.Equal([]byte{0xF0, 0x79, 0xF7}, writes[0])
}

func (s *ReadWriteTestSuite) TestWriteText() {
	_, err := s.RunCmd("write", firmataAddress, nusRX, "--text", "hello")
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("hello")}, s.Bus.WrittenValues(firmataAddress, nusRX))
}

func (s *ReadWriteTestSuite) TestWriteErrors() {
	_, err := s.RunCmd("write", firmataAddress, nusRX, "zz")
	s.ErrorContains(err, "invalid hex value")

	_, err = s.RunCmd("write", firmataAddress, "2a19", "01")
	s.ErrorIs(err, device.ErrNotWritable)
}

func TestParseHexValue(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "0a1b", want: []byte{0x0a, 0x1b}},
		{in: "0x0A1B", want: []byte{0x0a, 0x1b}},
		{in: "0a 1b", want: []byte{0x0a, 0x1b}},
		{in: "0a:1b", want: []byte{0x0a, 0x1b}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHexValue(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseHexValue(%q) MUST fail", tt.in)
				}
				return
			}
			if err != nil || string(got) != string(tt.want) {
				t.Fatalf("parseHexValue(%q) = %x, %v; want %x", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestReadWriteTestSuite(t *testing.T) {
	suite.Run(t, new(ReadWriteTestSuite))
}
