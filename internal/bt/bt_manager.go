package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/events"
	"github.com/lowaak/esp32-console/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// BTManagerInterface is implemented by each BLE backend and by the mock
// manager used for development without hardware.
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	// StartScan reports only advertisers whose local name starts with
	// namePrefix. An empty prefix accepts any named advertiser.
	StartScan(namePrefix string)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	ListenToDeviceList(ch chan<- []BTDevice) func()
	ListenToConnectedDevices(ch chan<- []BTDevice) func()
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

// BTManager is the tinygo bluetooth backend.
type BTManager struct {
	adapter               *bluetooth.Adapter
	devicesByAddress      map[string]*btDeviceImpl
	mu                    sync.RWMutex
	scanning              bool
	scanTimeout           time.Duration
	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	scanContextCancel     context.CancelFunc
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:               adapter,
		devicesByAddress:      make(map[string]*btDeviceImpl),
		scanTimeout:           scanTimeout,
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}
}

// GetBTDeviceByAddressString returns a BTDevice by its address string, or nil if not found
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devicesByAddress[addressString]
	if ok {
		return device
	}
	return nil
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	addressStr := address.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.devicesByAddress[addressStr]
	if !ok {
		result = newBtDeviceImpl(m.logger, address, m.scanTimeout)
		m.devicesByAddress[addressStr] = result
	}
	return result, !ok
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("Device connected: %s", addressStr)
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
		}
		m.emitConnectedDevicesChange()
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	return nil
}

func (m *BTManager) StartScan(namePrefix string) {
	m.logger.Printf("Starting scan for name prefix %q", namePrefix)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("A scan is already running. Stop the old scan and make a new context...")
		m.scanContextCancel()
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("Error stopping previous scan: %v", err)
		}
	}

	m.scanning = true
	scanContext, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanContext)
	})

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		defer m.logger.Printf("exiting scan handling loop")

		// Scan blocks until StopScan is called
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanContext.Done():
				return
			default:
			}
			if !MatchesNamePrefix(result.LocalName(), namePrefix) {
				return
			}

			d, newObj := m.getBTDeviceImpl(result.Address)
			d.recordScan(&result, time.Now())
			if newObj {
				m.logger.Printf("Found device: %s (%s) [RSSI: %d]", result.LocalName(), result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("Scan error: %v", err)
		}
	})

	// Emit current scan results every second
	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		defer m.logger.Printf("exiting scan emit event ticker loop")
		emitScanResults(scanContext, time.Second, m.GetScanDevices, m.scanDeviceListEvent)
	})
}

// Shutdown disconnects everything, stops all goroutines and waits for them to finish
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	for _, dev := range m.GetConnectedDevices() {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("Error disconnecting from %v: %v", dev.GetAddressString(), err)
		}
	}
	if m.IsScanning() {
		if err := m.StopScan(); err != nil {
			m.logger.Printf("BTManager: Error stopping scan: %v", err)
		}
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	defer m.logger.Printf("exiting cleanup stale devices loop")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			var removed []string
			for mac, btDevice := range m.devicesByAddress {
				if btDevice.IsConnected() || btDevice.GetState() == Connecting {
					continue
				}
				if isStale(btDevice.GetScanLastSeen(), now, m.scanTimeout) {
					delete(m.devicesByAddress, mac)
					removed = append(removed, mac)
				}
			}
			m.mu.Unlock()

			for _, mac := range removed {
				m.logger.Printf("Device timeout: %s (not seen for %v)", mac, m.scanTimeout)
			}
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect blocks until the GATT link is up or the platform gives up.
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to connect to device: %s", addressStr)

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addressStr)
	}

	impl.setState(Connecting)
	connected, err := m.adapter.Connect(impl.getAddress(), bluetooth.ConnectionParams{})
	if err != nil {
		impl.setState(Disconnected)
		m.logger.Printf("BTManager: Connection error: %v", err)
		return err
	}

	// Some platforms report the link only through the connect handler; record
	// it here as well so callers need not wait for the callback.
	impl.setConnectedDevice(&connected)
	m.emitConnectedDevicesChange()
	m.logger.Printf("BTManager: Connected to device: %s", addressStr)
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to disconnect from device: %s", addressStr)

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addressStr)
	}
	innerDevice := impl.getConnectedDevice()
	if innerDevice == nil {
		impl.setState(Disconnected)
		return nil
	}
	err := innerDevice.Disconnect()
	impl.setConnectedDevice(nil)
	m.emitConnectedDevicesChange()
	return err
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, btDevice := range m.devicesByAddress {
		if btDevice.IsConnected() {
			result = append(result, btDevice)
		}
	}
	return result
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, btDevice := range m.devicesByAddress {
		if btDevice.IsRecentlyScanned() {
			result = append(result, btDevice)
		}
	}
	return result
}

// ListenToDeviceList registers a channel to receive the scan device list.
// Events are emitted at most once per second while scanning.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

// ListenToConnectedDevices registers a channel to receive connected devices list changes
func (m *BTManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *BTManager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}

// emitScanResults publishes the scan list on every tick until ctx is done.
func emitScanResults(ctx context.Context, interval time.Duration, list func() []BTDevice, event *events.ChannelEvent[[]BTDevice]) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event.Notify(list())
		}
	}
}
