package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/lowaak/esp32-console/internal/events"
	"github.com/lowaak/esp32-console/internal/go_func_utils"
)

var _ BTManagerInterface = (*GoBLEManager)(nil)

// GoBLEManager is the BTManagerInterface backend built on go-ble/ble. It talks
// to HCI sockets directly on Linux and to CoreBluetooth on macOS.
type GoBLEManager struct {
	host                  ble.Device
	devicesByAddress      map[string]*gobleDeviceImpl
	mu                    sync.RWMutex
	scanning              bool
	scanCancel            context.CancelFunc
	scanTimeout           time.Duration
	connectTimeout        time.Duration
	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

func NewGoBLEManager(host ble.Device, logger *log.Logger, scanTimeout time.Duration, connectTimeout time.Duration) *GoBLEManager {
	if logger == nil {
		panic("GoBLEManager: logger cannot be nil")
	}
	if host == nil {
		panic("GoBLEManager: host cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoBLEManager{
		host:                  host,
		devicesByAddress:      make(map[string]*gobleDeviceImpl),
		scanTimeout:           scanTimeout,
		connectTimeout:        connectTimeout,
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}
}

// Enable is a no-op: the HCI device is opened when the host is created.
func (m *GoBLEManager) Enable() error {
	return nil
}

func (m *GoBLEManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devicesByAddress[strings.ToLower(addressString)]; ok {
		return d
	}
	return nil
}

func (m *GoBLEManager) StartScan(namePrefix string) {
	m.logger.Printf("GoBLEManager: starting scan for name prefix %q", namePrefix)

	m.mu.Lock()
	if m.scanning && m.scanCancel != nil {
		m.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanCancel = cancel
	m.scanning = true
	m.mu.Unlock()

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		defer m.logger.Printf("exiting scan handling loop")
		err := m.host.Scan(scanCtx, true, func(a ble.Advertisement) {
			m.handleAdvertisement(a, namePrefix, time.Now())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("Scan error: %v", err)
		}
	})

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		emitScanResults(scanCtx, time.Second, m.GetScanDevices, m.scanDeviceListEvent)
	})
}

func (m *GoBLEManager) handleAdvertisement(a ble.Advertisement, namePrefix string, seen time.Time) {
	if !MatchesNamePrefix(a.LocalName(), namePrefix) {
		return
	}
	addressStr := strings.ToLower(a.Addr().String())

	m.mu.Lock()
	d, ok := m.devicesByAddress[addressStr]
	if !ok {
		d = newGobleDeviceImpl(m.logger, addressStr, m.scanTimeout)
		m.devicesByAddress[addressStr] = d
	}
	m.mu.Unlock()

	d.recordAdvertisement(a, seen)
	if !ok {
		m.logger.Printf("Found device: %s (%s) [RSSI: %d]", a.LocalName(), addressStr, a.RSSI())
	}
}

func (m *GoBLEManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	return nil
}

func (m *GoBLEManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect dials the device and watches the link so that a drop is reported
// through ListenToConnectedDevices.
func (m *GoBLEManager) Connect(device BTDevice) error {
	addressStr := strings.ToLower(device.GetAddressString())
	m.mu.RLock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addressStr)
	}

	m.logger.Printf("GoBLEManager: connecting to %s", addressStr)
	d.setState(Connecting)
	ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
	defer cancel()
	client, err := m.host.Dial(ctx, ble.NewAddr(addressStr))
	if err != nil {
		d.setState(Disconnected)
		return fmt.Errorf("dial %s: %w", addressStr, err)
	}

	d.setClient(client)
	m.emitConnectedDevicesChange()

	go_func_utils.GoTracked(m.logger, &m.wg, func() {
		select {
		case <-client.Disconnected():
			m.logger.Printf("Device disconnected: %s", addressStr)
		case <-m.ctx.Done():
			return
		}
		if d.getClient() == client {
			d.setClient(nil)
			m.emitConnectedDevicesChange()
		}
	})
	return nil
}

func (m *GoBLEManager) Disconnect(device BTDevice) error {
	addressStr := strings.ToLower(device.GetAddressString())
	m.mu.RLock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addressStr)
	}
	client := d.getClient()
	if client == nil {
		return nil
	}
	d.setClient(nil)
	err := client.CancelConnection()
	m.emitConnectedDevicesChange()
	return err
}

func (m *GoBLEManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *GoBLEManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsRecentlyScanned() {
			result = append(result, d)
		}
	}
	return result
}

func (m *GoBLEManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *GoBLEManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *GoBLEManager) Shutdown() {
	m.logger.Println("GoBLEManager: Shutting down")
	for _, d := range m.GetConnectedDevices() {
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("Error disconnecting from %v: %v", d.GetAddressString(), err)
		}
	}
	_ = m.StopScan()
	m.cancel()
	m.wg.Wait()
	if err := m.host.Stop(); err != nil {
		m.logger.Printf("GoBLEManager: Error stopping host: %v", err)
	}
	m.logger.Println("GoBLEManager: Shutdown complete")
}

func (m *GoBLEManager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}
