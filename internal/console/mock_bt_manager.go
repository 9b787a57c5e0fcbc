package console

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/bt"
	"github.com/lowaak/esp32-console/internal/events"
	"github.com/lowaak/esp32-console/internal/go_func_utils"
	"github.com/lowaak/esp32-console/internal/peripheral"
)

const (
	MockESP32Address = "24:0A:C4:00:00:01"
	MockESP32Name    = "ESP32_Mock"
	mockOtherAddress = "24:0A:C4:00:00:02"
	mockOtherName    = "Thermostat"
)

type MockBTManagerOptions struct {
	ServerPort        int           // inspection page for the ESP32; 0 disables it
	ScanInterval      time.Duration // default 1s
	TelemetryInterval time.Duration // default peripheral.TelemetryInterval
}

// MockBTManager advertises one ESP32 with the UART service and one unrelated
// device. While the ESP32 is connected it notifies telemetry on a timer.
type MockBTManager struct {
	logger                *log.Logger
	options               MockBTManagerOptions
	mockDevices           []*MockBTDevice
	scanning              bool
	scanCancel            context.CancelFunc
	notifyCancel          context.CancelFunc
	scanDeviceListEvent   *events.ChannelEvent[[]bt.BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]bt.BTDevice]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	mu                    sync.RWMutex
}

var _ bt.BTManagerInterface = (*MockBTManager)(nil)

func NewMockBTManager(logger *log.Logger, options MockBTManagerOptions) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if options.ScanInterval <= 0 {
		options.ScanInterval = time.Second
	}
	if options.TelemetryInterval <= 0 {
		options.TelemetryInterval = peripheral.TelemetryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MockBTManager{
		logger:  logger,
		options: options,
		mockDevices: []*MockBTDevice{
			NewMockBTDevice(logger, MockBTDeviceConfig{
				Address:      MockESP32Address,
				LocalName:    MockESP32Name,
				RSSI:         -55,
				ServerPort:   options.ServerPort,
				ServiceUUIDs: []string{ServiceUUIDNordicUART},
			}),
			NewMockBTDevice(logger, MockBTDeviceConfig{
				Address:   mockOtherAddress,
				LocalName: mockOtherName,
				RSSI:      -40,
			}),
		},
		scanDeviceListEvent:   events.NewChannelEvent[[]bt.BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]bt.BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
	for _, dev := range m.mockDevices {
		dev.onLinkDrop = func() { m.dropLink(dev) }
	}
	return m
}

func (m *MockBTManager) Enable() error {
	m.logger.Println("MockBTManager: Enabling")
	for _, device := range m.mockDevices {
		if err := device.Start(); err != nil {
			return err
		}
	}
	m.connectedDevicesEvent.Notify([]bt.BTDevice{})
	if m.options.ServerPort > 0 {
		m.logger.Printf("MockBTManager: %s web UI at http://localhost:%d", MockESP32Name, m.options.ServerPort)
	}
	return nil
}

func (m *MockBTManager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	if dev := m.findMockDevice(addressString); dev != nil {
		return dev
	}
	return nil
}

func (m *MockBTManager) findMockDevice(address string) *MockBTDevice {
	for _, dev := range m.mockDevices {
		if dev.address == address {
			return dev
		}
	}
	return nil
}

func (m *MockBTManager) StartScan(namePrefix string) {
	m.mu.Lock()
	if m.scanning {
		// a new scan replaces the running one and its filter
		m.logger.Println("MockBTManager: Restarting scan")
		m.scanCancel()
	}
	scanCtx, scanCancel := context.WithCancel(m.ctx)
	m.scanning = true
	m.scanCancel = scanCancel
	m.mu.Unlock()

	m.logger.Printf("MockBTManager: Starting scan for %q", namePrefix)
	matching := m.matchingDevices(namePrefix)

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		ticker := time.NewTicker(m.options.ScanInterval)
		defer ticker.Stop()

		if scanCtx.Err() != nil {
			return
		}
		m.scanDeviceListEvent.Notify(matching)
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				if scanCtx.Err() != nil {
					return
				}
				m.scanDeviceListEvent.Notify(matching)
			}
		}
	})
}

func (m *MockBTManager) matchingDevices(namePrefix string) []bt.BTDevice {
	devices := make([]bt.BTDevice, 0, len(m.mockDevices))
	for _, dev := range m.mockDevices {
		if bt.MatchesNamePrefix(dev.localName, namePrefix) {
			devices = append(devices, dev)
		}
	}
	return devices
}

func (m *MockBTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.logger.Println("MockBTManager: Stopping scan")
	m.scanning = false
	m.scanCancel()
	m.scanCancel = nil
	return nil
}

func (m *MockBTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockBTManager) Connect(device bt.BTDevice) error {
	mockDev := m.findMockDevice(device.GetAddressString())
	if mockDev == nil {
		return fmt.Errorf("%w: %s", bt.ErrUnknownDevice, device.GetAddressString())
	}
	m.logger.Printf("MockBTManager: Connecting to %s", mockDev.address)
	mockDev.setConnected(true)
	m.startNotifications()
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	return nil
}

func (m *MockBTManager) Disconnect(device bt.BTDevice) error {
	mockDev := m.findMockDevice(device.GetAddressString())
	if mockDev == nil {
		return fmt.Errorf("%w: %s", bt.ErrUnknownDevice, device.GetAddressString())
	}
	m.logger.Printf("MockBTManager: Disconnecting from %s", mockDev.address)
	m.disconnectDevice(mockDev)
	return nil
}

// dropLink simulates the device going out of range.
func (m *MockBTManager) dropLink(dev *MockBTDevice) {
	m.logger.Printf("MockBTManager: Link to %s dropped", dev.address)
	m.disconnectDevice(dev)
}

func (m *MockBTManager) disconnectDevice(dev *MockBTDevice) {
	if dev.IsConnected() {
		dev.setConnected(false)
	}
	connected := m.GetConnectedDevices()
	m.connectedDevicesEvent.Notify(connected)
	if len(connected) == 0 {
		m.stopNotifications()
	}
}

func (m *MockBTManager) startNotifications() {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.mu.Unlock()
		return
	}
	notifyCtx, notifyCancel := context.WithCancel(m.ctx)
	m.notifyCancel = notifyCancel
	m.mu.Unlock()

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		ticker := time.NewTicker(m.options.TelemetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-notifyCtx.Done():
				return
			case <-ticker.C:
				for _, dev := range m.mockDevices {
					if dev.IsConnected() {
						dev.SendTelemetry()
					}
				}
			}
		}
	})
}

func (m *MockBTManager) stopNotifications() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyCancel != nil {
		m.notifyCancel()
		m.notifyCancel = nil
	}
}

func (m *MockBTManager) GetConnectedDevices() []bt.BTDevice {
	connected := make([]bt.BTDevice, 0, len(m.mockDevices))
	for _, dev := range m.mockDevices {
		if dev.IsConnected() {
			connected = append(connected, dev)
		}
	}
	return connected
}

func (m *MockBTManager) GetScanDevices() []bt.BTDevice {
	if !m.IsScanning() {
		return []bt.BTDevice{}
	}
	return m.matchingDevices("")
}

func (m *MockBTManager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *MockBTManager) ListenToConnectedDevices(ch chan<- []bt.BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	_ = m.StopScan()
	m.stopNotifications()
	m.cancel()
	m.wg.Wait()
	for _, dev := range m.mockDevices {
		dev.Shutdown()
	}
	m.logger.Println("MockBTManager: Shutdown complete")
}

// ESP32 returns the mock device that runs the firmware emulation.
func (m *MockBTManager) ESP32() *MockBTDevice {
	return m.mockDevices[0]
}

func (m *MockBTManager) GetMockDevices() []*MockBTDevice {
	return m.mockDevices
}
