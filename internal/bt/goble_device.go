package bt

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/lowaak/esp32-console/internal/safe_map"
)

var _ BTDevice = (*gobleDeviceImpl)(nil)

// gobleDeviceImpl is a BTDevice backed by github.com/go-ble/ble. The whole
// GATT profile is discovered once per link and characteristics are looked up
// from it.
type gobleDeviceImpl struct {
	address         string
	mu              sync.RWMutex
	bleMu           sync.Mutex
	advertisement   ble.Advertisement
	scanLastSeen    time.Time
	scanTimeout     time.Duration
	client          ble.Client // nil if not connected
	profile         *ble.Profile
	state           BTDeviceState
	subscribedChars *safe_map.SafeMap[string, *ble.Characteristic]
	logger          *log.Logger
}

func newGobleDeviceImpl(logger *log.Logger, address string, scanTimeout time.Duration) *gobleDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &gobleDeviceImpl{
		address:         address,
		scanLastSeen:    time.Unix(0, 0),
		scanTimeout:     scanTimeout,
		state:           Disconnected,
		subscribedChars: safe_map.NewSafeMap[string, *ble.Characteristic](),
		logger:          logger,
	}
}

func (g *gobleDeviceImpl) GetAddressString() string {
	return g.address
}

func (g *gobleDeviceImpl) GetLocalName() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.advertisement != nil && g.advertisement.LocalName() != "" {
		return g.advertisement.LocalName()
	}
	return unknownLocalName
}

func (g *gobleDeviceImpl) GetScanRSSI() (int16, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.advertisement == nil {
		return 0, fmt.Errorf("no rssi available for %s", g.address)
	}
	return int16(g.advertisement.RSSI()), nil
}

func (g *gobleDeviceImpl) GetScanLastSeen() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.scanLastSeen
}

func (g *gobleDeviceImpl) IsConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client != nil
}

func (g *gobleDeviceImpl) GetState() BTDeviceState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *gobleDeviceImpl) GetStateDescription() string {
	return g.GetState().String()
}

func (g *gobleDeviceImpl) IsRecentlyScanned() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.advertisement != nil && !isStale(g.scanLastSeen, time.Now(), g.scanTimeout)
}

func (g *gobleDeviceImpl) WaitForConnection(timeout time.Duration) error {
	return waitForConnection(g, timeout)
}

func (g *gobleDeviceImpl) DiscoverCharacteristic(serviceUuid string, characteristicUuid string) error {
	g.bleMu.Lock()
	defer g.bleMu.Unlock()
	_, _, err := g.findCharacteristic(serviceUuid, characteristicUuid)
	return err
}

func (g *gobleDeviceImpl) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	g.bleMu.Lock()
	defer g.bleMu.Unlock()

	client, characteristic, err := g.findCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	g.logger.Printf("BTDevice: subscribing to %s on %s", characteristicUuid, g.address)
	if err := client.Subscribe(characteristic, false, ble.NotificationHandler(callbackFunc)); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	g.subscribedChars.Store(characteristicUuid, characteristic)
	return nil
}

func (g *gobleDeviceImpl) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	g.bleMu.Lock()
	defer g.bleMu.Unlock()

	client, characteristic, err := g.findCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	if err := client.Unsubscribe(characteristic, false); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	g.subscribedChars.Delete(characteristicUuid)
	return nil
}

func (g *gobleDeviceImpl) WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error {
	g.bleMu.Lock()
	defer g.bleMu.Unlock()

	client, characteristic, err := g.findCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	if err := client.WriteCharacteristic(characteristic, data, true); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (g *gobleDeviceImpl) recordAdvertisement(a ble.Advertisement, seen time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advertisement = a
	g.scanLastSeen = seen
}

func (g *gobleDeviceImpl) setState(state BTDeviceState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
}

func (g *gobleDeviceImpl) setClient(client ble.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.client = client
	g.profile = nil
	if client == nil {
		g.state = Disconnected
		g.subscribedChars.Clear()
	} else {
		g.state = Connected
	}
}

func (g *gobleDeviceImpl) getClient() ble.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

func (g *gobleDeviceImpl) findCharacteristic(serviceUuidStr string, characteristicUuidStr string) (ble.Client, *ble.Characteristic, error) {
	serviceUuid, err := ble.Parse(serviceUuidStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := ble.Parse(characteristicUuidStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, nil, ErrNoConnectedDevice
	}
	if g.profile == nil {
		g.logger.Printf("BTDevice: Discovering GATT profile for %s", g.address)
		profile, err := g.client.DiscoverProfile(true)
		if err != nil {
			return nil, nil, fmt.Errorf("error discovering services: %w", err)
		}
		g.profile = profile
	}

	service := g.profile.FindService(ble.NewService(serviceUuid))
	if service == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUuidStr)
	}
	for _, characteristic := range service.Characteristics {
		if characteristic.UUID.Equal(characteristicUuid) {
			return g.client, characteristic, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s in %s", ErrCharacteristicNotFound, characteristicUuidStr, serviceUuidStr)
}
