package bt

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota // 0
	Connecting                        // 1
	Connected                         // 2
)

const unknownLocalName = "Unknown"

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// BTDevice is a peripheral seen by a scan, and the GATT client for it once
// connected. Characteristic operations address the characteristic by its
// service and characteristic UUID strings.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	IsConnected() bool
	GetState() BTDeviceState
	GetStateDescription() string
	IsRecentlyScanned() bool
	WaitForConnection(timeout time.Duration) error
	DiscoverCharacteristic(serviceUuid string, characteristicUuid string) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error
}

var _ BTDevice = (*btDeviceImpl)(nil)

type btDeviceImpl struct {
	address                bluetooth.Address
	scanLastSeen           time.Time
	scanResult             *bluetooth.ScanResult
	connectedDevice        *bluetooth.Device // nil if not connected
	mu                     sync.RWMutex
	bleMu                  sync.Mutex // serializes GATT operations
	scanTimeout            time.Duration
	logger                 *log.Logger
	state                  BTDeviceState
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(
	logger *log.Logger,
	address bluetooth.Address,
	scanTimeout time.Duration,
) *btDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	if scanTimeout <= 0 {
		panic("scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return unknownLocalName
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, fmt.Errorf("no rssi available for %s", b.address.String())
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetStateDescription() string {
	return b.GetState().String()
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult != nil && !isStale(b.scanLastSeen, time.Now(), b.scanTimeout)
}

func (b *btDeviceImpl) WaitForConnection(timeout time.Duration) error {
	return waitForConnection(b, timeout)
}

func (b *btDeviceImpl) DiscoverCharacteristic(serviceUuidStr string, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	_, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	return err
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	b.logger.Printf("BTDevice: EnableNotifications called for service=%s char=%s", serviceUuidStr, characteristicUuidStr)
	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// a nil callback unsubscribes
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) WriteCharacteristicWithoutResponse(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.resolveCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if _, err := characteristic.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) getAddress() bluetooth.Address {
	return b.address
}

func (b *btDeviceImpl) recordScan(scanResult *bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
	b.scanLastSeen = seen
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	if device == nil {
		b.state = Disconnected
		b.allServicesDiscovered = false
	} else {
		b.state = Connected
	}
	b.mu.Unlock()

	if device == nil {
		// handles from a previous link are not valid on the next one
		b.serviceByUuid.Clear()
		b.characteristicByUuid.Clear()
		b.serviceCharsDiscovered.Clear()
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *btDeviceImpl) resolveCharacteristic(serviceUuidStr string, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, ErrNoConnectedDevice
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	// Discover every service in one go: discovering services one at a time
	// interrupts services that are already in use.
	b.mu.RLock()
	discovered := b.allServicesDiscovered
	b.mu.RUnlock()
	if !discovered {
		b.logger.Printf("BTDevice: Discovering all services for %s", b.address.String())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.mu.Lock()
		b.allServicesDiscovered = true
		b.mu.Unlock()
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := serviceUuidStr + "_" + charUuidStr

	if characteristic, ok := b.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		b.logger.Printf("BTDevice: Discovering all characteristics for service %s", serviceUuidStr)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrCharacteristicNotFound, charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}

// connectionWaiter is the part of BTDevice that waitForConnection polls.
type connectionWaiter interface {
	IsConnected() bool
	GetAddressString() string
}

func waitForConnection(d connectionWaiter, timeout time.Duration) error {
	if d.IsConnected() {
		return nil
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeoutChan := time.After(timeout)

	for {
		select {
		case <-ticker.C:
			if d.IsConnected() {
				return nil
			}
		case <-timeoutChan:
			return fmt.Errorf("%w: %s after %v", ErrConnectionTimeout, d.GetAddressString(), timeout)
		}
	}
}

func isStale(lastSeen time.Time, now time.Time, timeout time.Duration) bool {
	return now.Sub(lastSeen) > timeout
}
