package manager_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/dispatch"
	"github.com/srg/blez/internal/manager"
	"github.com/srg/blez/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	firmataAddress = "AA:BB:CC:DD:EE:FF"
	sensorAddress  = "11:22:33:44:55:66"
	keyfobAddress  = "22:33:44:55:66:77"
	nusService     = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

	scanTime = 100 * time.Millisecond
	wait     = 2 * time.Second
)

type ManagerTestSuite struct {
	testutils.BlueZSuite

	manager    *manager.Manager
	dispatcher *dispatch.Dispatcher
}

func (s *ManagerTestSuite) SetupTest() {
	s.WithPeripheral(firmataAddress, "FIRMATA").FromJSON(`
	{
		"services": [
			{
				"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				"characteristics": [
					{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write" },
					{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify" }
				]
			}
		]
	}`)
	s.WithPeripheral(sensorAddress, "Sensor").
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{75})
	s.WithPeripheral(keyfobAddress, "Keyfob").
		Known().
		WithService("1802").
		WithCharacteristic("2A06", "write-without-response", nil)

	s.BlueZSuite.SetupTest()

	opts := manager.DefaultOptions()
	opts.Device = device.Options{
		ConnectTimeout:   time.Second,
		DiscoveryTimeout: time.Second,
		OperationTimeout: time.Second,
	}
	s.manager = manager.New(s.Bus, opts, s.Logger)
	s.dispatcher = dispatch.New(s.Bus, s.manager, dispatch.NewRegistry(), dispatch.Options{}, s.Logger)
	s.Require().NoError(s.dispatcher.Start(context.Background()))
}

func (s *ManagerTestSuite) TearDownTest() {
	s.dispatcher.Stop()
	s.Require().NoError(s.manager.Close(context.Background()))
	s.BlueZSuite.TearDownTest()
}

func addresses(devs []*device.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Address()
	}
	return out
}

// nextEvent reads events until one matches, or fails after wait.
func (s *ManagerTestSuite) nextEvent(ch chan manager.Event, match func(manager.Event) bool) manager.Event {
	timeout := time.After(wait)
	for {
		select {
		case ev, ok := <-ch:
			s.Require().True(ok, "MUST NOT close the event channel while waiting")
			if match(ev) {
				return ev
			}
		case <-timeout:
			s.FailNow("MUST publish the expected device event")
		}
	}
}

func (s *ManagerTestSuite) TestScanEmptyEnvironment() {
	// GOAL: Verify a scan that finds nothing is a normal outcome
	//
	// TEST SCENARIO: No peripherals → scan → empty non-nil slice and no error

	for _, addr := range []string{firmataAddress, sensorAddress, keyfobAddress} {
		s.Bus.RemovePeripheral(addr)
	}

	devs, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err, "MUST NOT fail on an empty environment")
	s.NotNil(devs, "MUST return an empty slice, not nil")
	s.Empty(devs)
	s.False(s.Bus.IsDiscovering(), "MUST stop discovery after the scan")
}

func (s *ManagerTestSuite) TestLookupBeforeScan() {
	// GOAL: Verify lookups miss with NotFound until a scan registers devices
	//
	// TEST SCENARIO: Fresh manager → lookup FIRMATA by name, address and path → NotFound

	_, err := s.manager.GetDeviceByName("FIRMATA")
	s.ErrorIs(err, device.ErrNotFound)

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("device", nf.Resource)
	s.Equal([]string{"FIRMATA"}, nf.Keys)

	_, err = s.manager.GetDeviceByAddress(firmataAddress)
	s.ErrorIs(err, device.ErrNotFound)

	_, err = s.manager.GetDeviceByPath(s.Bus.DevicePath(firmataAddress))
	s.ErrorIs(err, device.ErrNotFound)

	s.Empty(s.manager.Devices())
}

func (s *ManagerTestSuite) TestScanRegistersDevices() {
	// GOAL: Verify a scan registers every peripheral, including ones already known to the daemon
	//
	// TEST SCENARIO: Scan → three devices, LE filter applied, discovery started and stopped once

	devs, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	s.ElementsMatch([]string{firmataAddress, sensorAddress, keyfobAddress}, addresses(devs))
	s.Equal(devs, s.manager.Devices(), "MUST return the registry in discovery order")

	filters := s.Bus.Calls(bus.MethodSetDiscoveryFilter)
	s.Require().Len(filters, 1)
	args, ok := filters[0].Args[0].(map[string]dbus.Variant)
	s.Require().True(ok)
	s.Equal("le", args["Transport"].Value())

	s.Equal(1, s.Bus.CallCount(bus.MethodStartDiscovery))
	s.Equal(1, s.Bus.CallCount(bus.MethodStopDiscovery))
	s.False(s.manager.Scanning())

	dev, err := s.manager.GetDeviceByName("FIRMATA")
	s.Require().NoError(err)
	s.Equal(firmataAddress, dev.Address())
	s.Equal(device.StateDiscovered, dev.State())

	byPath, err := s.manager.GetDeviceByPath(s.Bus.DevicePath(firmataAddress))
	s.Require().NoError(err)
	s.Same(dev, byPath)
}

func (s *ManagerTestSuite) TestAddressLookupIgnoresCase() {
	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)

	dev, err := s.manager.GetDeviceByAddress(strings.ToLower(sensorAddress))
	s.Require().NoError(err)
	s.Equal(sensorAddress, dev.Address())

	found, err := s.manager.FindDevice("Sensor")
	s.Require().NoError(err)
	s.Same(dev, found)

	found, err = s.manager.FindDevice(string(dev.Path()))
	s.Require().NoError(err)
	s.Same(dev, found)

	_, err = s.manager.FindDevice("nope")
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *ManagerTestSuite) TestNameLookupEarliestWins() {
	// GOAL: Verify duplicate names resolve to the device discovered first
	//
	// TEST SCENARIO: Two peripherals named "Twin" → scan → name lookup returns the earlier one

	s.Bus.AddPeripheral(testutils.NewPeripheral("33:44:55:66:77:88", "Twin").WithService("180F").Build())
	s.Bus.AddPeripheral(testutils.NewPeripheral("44:55:66:77:88:99", "Twin").WithService("180F").Build())

	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)

	var first *device.Device
	for _, d := range s.manager.Devices() {
		if d.Name() == "Twin" {
			first = d
			break
		}
	}
	s.Require().NotNil(first)

	dev, err := s.manager.GetDeviceByName("Twin")
	s.Require().NoError(err)
	s.Same(first, dev, "MUST return the earliest discovered match")
}

func (s *ManagerTestSuite) TestConcurrentScansCoalesce() {
	// GOAL: Verify overlapping scans share one daemon discovery session
	//
	// TEST SCENARIO: Three concurrent scans → one StartDiscovery → same result for all

	const callers = 3
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([][]*device.Device, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.manager.Scan(s.Context(), 300*time.Millisecond)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.ElementsMatch(addresses(results[0]), addresses(results[i]))
	}
	s.Len(results[0], 3)
	s.Equal(1, s.Bus.CallCount(bus.MethodStartDiscovery), "MUST NOT issue duplicate StartDiscovery calls")
}

func (s *ManagerTestSuite) TestScanFilters() {
	// GOAL: Verify allow, block and service filters decide registry membership
	//
	// TEST SCENARIO: Scan with each filter → only matching devices; progress phases reported

	var phases []string
	devs, err := s.manager.ScanWithOptions(s.Context(), &manager.ScanOptions{
		Duration:  scanTime,
		AllowList: []string{strings.ToLower(sensorAddress)},
	}, func(phase string) { phases = append(phases, phase) })
	s.Require().NoError(err)
	s.Equal([]string{sensorAddress}, addresses(devs))
	s.Equal([]string{"Scanning", "Processing results"}, phases)

	devs, err = s.manager.ScanWithOptions(s.Context(), &manager.ScanOptions{
		Duration:  scanTime,
		BlockList: []string{sensorAddress, keyfobAddress},
	}, nil)
	s.Require().NoError(err)
	s.Equal([]string{firmataAddress}, addresses(devs))

	devs, err = s.manager.ScanWithOptions(s.Context(), &manager.ScanOptions{
		Duration:     scanTime,
		ServiceUUIDs: []string{"180f"},
	}, nil)
	s.Require().NoError(err)
	s.Equal([]string{sensorAddress}, addresses(devs))

	last := s.Bus.Calls(bus.MethodSetDiscoveryFilter)
	s.Require().NotEmpty(last)
	args := last[len(last)-1].Args[0].(map[string]dbus.Variant)
	s.Equal([]string{"0000180f-0000-1000-8000-00805f9b34fb"}, args["UUIDs"].Value())

	_, err = s.manager.ScanWithOptions(s.Context(), &manager.ScanOptions{
		Duration:     scanTime,
		ServiceUUIDs: []string{"zz"},
	}, nil)
	s.Error(err, "MUST reject malformed service UUIDs")
}

func (s *ManagerTestSuite) TestNewScanDropsIdleDevices() {
	// GOAL: Verify a new scan session keeps connected devices and replaces idle ones
	//
	// TEST SCENARIO: Scan → connect FIRMATA → scan again → FIRMATA kept, Sensor re-created

	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)

	firmata, err := s.manager.GetDeviceByAddress(firmataAddress)
	s.Require().NoError(err)
	sensor, err := s.manager.GetDeviceByAddress(sensorAddress)
	s.Require().NoError(err)
	s.Require().NoError(firmata.Connect(s.Context()))

	_, err = s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)

	again, err := s.manager.GetDeviceByAddress(firmataAddress)
	s.Require().NoError(err)
	s.Same(firmata, again, "MUST keep connected devices across scan sessions")

	newSensor, err := s.manager.GetDeviceByAddress(sensorAddress)
	s.Require().NoError(err)
	s.NotSame(sensor, newSensor, "MUST start a new scan session for idle devices")
}

func (s *ManagerTestSuite) TestKeepKnownDevices() {
	opts := manager.DefaultOptions()
	opts.KeepKnownDevices = true
	m := manager.New(s.Bus, opts, s.Logger)
	defer m.Close(context.Background())

	_, err := m.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	sensor, err := m.GetDeviceByAddress(sensorAddress)
	s.Require().NoError(err)

	_, err = m.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	again, err := m.GetDeviceByAddress(sensorAddress)
	s.Require().NoError(err)
	s.Same(sensor, again, "MUST keep known devices when configured")
}

func (s *ManagerTestSuite) TestDeviceRemovedSignal() {
	// GOAL: Verify a daemon removal drops the device and marks it Lost
	//
	// TEST SCENARIO: Scan → remove Sensor in the daemon → NotFound, Lost, Removed event

	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	sensor, err := s.manager.GetDeviceByAddress(sensorAddress)
	s.Require().NoError(err)

	events := s.manager.Events()
	defer s.manager.Unsubscribe(events)

	s.Bus.RemovePeripheral(sensorAddress)

	ev := s.nextEvent(events, func(ev manager.Event) bool { return ev.Type == manager.EventRemoved })
	s.Same(sensor, ev.Device)
	s.Equal(device.StateLost, sensor.State())

	_, err = s.manager.GetDeviceByAddress(sensorAddress)
	s.ErrorIs(err, device.ErrNotFound)
	s.Len(s.manager.Devices(), 2)
}

func (s *ManagerTestSuite) TestDaemonRestart() {
	// GOAL: Verify a daemon restart empties the registry and invalidates connected devices
	//
	// TEST SCENARIO: Scan → connect and discover FIRMATA → restart daemon → registry empty, handles invalidated

	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	firmata, err := s.manager.GetDeviceByName("FIRMATA")
	s.Require().NoError(err)
	s.Require().NoError(firmata.Connect(s.Context()))
	_, err = firmata.DiscoverServices(s.Context())
	s.Require().NoError(err)

	s.Bus.RestartDaemon()

	s.Eventually(func() bool { return len(s.manager.Devices()) == 0 }, wait, 10*time.Millisecond,
		"MUST clear the registry when the daemon restarts")
	s.Equal(device.StateLost, firmata.State())

	_, err = firmata.GetCharacteristicByUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	s.ErrorIs(err, device.ErrInvalidated)

	err = firmata.Connect(s.Context())
	s.ErrorIs(err, device.ErrConnectFailed, "MUST refuse to connect a lost device")
}

func (s *ManagerTestSuite) TestDeviceAddedOutsideScanIgnored() {
	// GOAL: Verify the registry only grows while a scan runs
	//
	// TEST SCENARIO: Peripheral appears with no scan running → not registered

	before := s.dispatcher.Metrics().Signals
	s.Bus.AddKnownPeripheral(testutils.NewPeripheral("55:66:77:88:99:AA", "Late").WithService("180F").Build())

	s.Eventually(func() bool { return s.dispatcher.Metrics().Signals > before }, wait, 10*time.Millisecond)
	_, err := s.manager.GetDeviceByAddress("55:66:77:88:99:AA")
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *ManagerTestSuite) TestStateEvents() {
	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	firmata, err := s.manager.GetDeviceByName("FIRMATA")
	s.Require().NoError(err)

	events := s.manager.Events()
	defer s.manager.Unsubscribe(events)

	s.Require().NoError(firmata.Connect(s.Context()))

	isState := func(state device.State) func(manager.Event) bool {
		return func(ev manager.Event) bool {
			return ev.Type == manager.EventStateChanged && ev.Device == firmata && ev.State == state
		}
	}
	s.nextEvent(events, isState(device.StateConnecting))
	s.nextEvent(events, isState(device.StateConnected))

	s.Bus.DropLink(firmataAddress)
	s.nextEvent(events, isState(device.StateDisconnected))
}

func (s *ManagerTestSuite) TestScanStartFailures() {
	// GOAL: Verify daemon refusals surface as scan errors, except discovery already running
	//
	// TEST SCENARIO: StartDiscovery fails → ErrScanFailed; InProgress → scan proceeds without StopDiscovery

	s.Bus.FailNext(bus.MethodStartDiscovery, "org.bluez.Error.NotReady")
	_, err := s.manager.Scan(s.Context(), scanTime)
	s.ErrorIs(err, manager.ErrScanFailed)

	s.Bus.FailNext(bus.MethodStartDiscovery, "org.bluez.Error.InProgress")
	devs, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	s.Equal([]string{keyfobAddress}, addresses(devs), "MUST still reconcile with the daemon's tree")
	s.Equal(0, s.Bus.CallCount(bus.MethodStopDiscovery), "MUST NOT stop discovery it did not start")

	s.Bus.FailNext(bus.MethodStartDiscovery, "org.freedesktop.DBus.Error.ServiceUnknown")
	_, err = s.manager.Scan(s.Context(), scanTime)
	s.ErrorIs(err, device.ErrDaemonUnavailable)
}

func (s *ManagerTestSuite) TestScanCancelled() {
	// GOAL: Verify cancelling the caller's context ends the scan early without an error
	//
	// TEST SCENARIO: 10s scan cancelled after 50ms → returns promptly, discovery stopped

	ctx, cancel := context.WithCancel(s.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	_, err := s.manager.Scan(ctx, 10*time.Second)
	s.Require().NoError(err)
	s.Less(time.Since(started), wait)

	s.Eventually(func() bool { return s.Bus.CallCount(bus.MethodStopDiscovery) == 1 }, wait, 10*time.Millisecond)
	s.Eventually(func() bool { return !s.manager.Scanning() }, wait, 10*time.Millisecond)
}

func (s *ManagerTestSuite) TestCloseDisconnectsAndClosesEvents() {
	_, err := s.manager.Scan(s.Context(), scanTime)
	s.Require().NoError(err)
	firmata, err := s.manager.GetDeviceByName("FIRMATA")
	s.Require().NoError(err)
	s.Require().NoError(firmata.Connect(s.Context()))

	events := s.manager.Events()
	s.Require().NoError(s.manager.Close(s.Context()))

	s.False(s.Bus.IsConnected(firmataAddress), "MUST disconnect connected devices on close")
	s.Empty(s.manager.Devices())
	s.Eventually(func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, wait, 10*time.Millisecond, "MUST close event subscriptions")

	_, err = s.manager.Scan(s.Context(), scanTime)
	s.ErrorIs(err, manager.ErrClosed)
	s.NoError(s.manager.Close(s.Context()), "MUST tolerate a second close")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
