package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/esp32-console/internal/bt"
	"github.com/lowaak/esp32-console/internal/events"
	"github.com/lowaak/esp32-console/internal/go_func_utils"
)

type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "Disconnected"
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// SessionStatus is published on every state change.
type SessionStatus struct {
	State      SessionState
	DeviceName string
	Address    string
	// LinkLost is set when the device went away without a Disconnect call.
	LinkLost bool
}

// CharacteristicHandle is the connected UART characteristic. It stops
// accepting writes once the session disconnects.
type CharacteristicHandle struct {
	device             bt.BTDevice
	deviceName         string
	serviceUUID        string
	characteristicUUID string
	valid              atomic.Bool
	// set once the manager has reported the device in its connected list
	seenConnected atomic.Bool
}

func (h *CharacteristicHandle) WriteChunk(chunk []byte) error {
	if !h.valid.Load() {
		return ErrNotConnected
	}
	return h.device.WriteCharacteristicWithoutResponse(h.serviceUUID, h.characteristicUUID, chunk)
}

func (h *CharacteristicHandle) DeviceName() string         { return h.deviceName }
func (h *CharacteristicHandle) Address() string            { return h.device.GetAddressString() }
func (h *CharacteristicHandle) ServiceUUID() string        { return h.serviceUUID }
func (h *CharacteristicHandle) CharacteristicUUID() string { return h.characteristicUUID }
func (h *CharacteristicHandle) Valid() bool                { return h.valid.Load() }

// PreferredDeviceStore remembers the device the user last connected to.
type PreferredDeviceStore interface {
	GetPreferredDevice() string
	SetPreferredDevice(address string)
}

type SessionOptions struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Preferences    PreferredDeviceStore // optional
	Sleeper        Sleeper              // optional, used between chunks
}

// Session owns the one connection to the device: discovery, the GATT link,
// the notification subscription and the characteristic handle.
type Session struct {
	manager        bt.BTManagerInterface
	logger         *log.Logger
	options        SessionOptions
	transport      *ChunkedTransport
	mu             sync.Mutex
	status         SessionStatus
	handle         *CharacteristicHandle
	// cancels the Connect in flight, nil otherwise
	connectCancel  context.CancelFunc
	telemetryEvent *events.ChannelEvent[TelemetryRecord]
	stateEvent     *events.ChannelEvent[SessionStatus]
	parseFailures  atomic.Int64
	now            func() time.Time
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewSession(manager bt.BTManagerInterface, logger *log.Logger, options SessionOptions) *Session {
	if manager == nil {
		panic("Session: manager cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	if options.ScanTimeout <= 0 {
		options.ScanTimeout = 15 * time.Second
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 10 * time.Second
	}
	if options.Sleeper == nil {
		options.Sleeper = SleepContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		manager:        manager,
		logger:         logger,
		options:        options,
		transport:      NewChunkedTransportWithSleeper(logger, options.Sleeper),
		status:         SessionStatus{State: SessionDisconnected},
		telemetryEvent: events.NewChannelEvent[TelemetryRecord](true),
		stateEvent:     events.NewChannelEvent[SessionStatus](true),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.stateEvent.Notify(s.status)

	go_func_utils.GoTracked(logger, &s.wg, func() { s.watchConnectedDevices(ctx) })
	return s
}

// Connect scans for a device whose name starts with namePrefix, connects,
// resolves the characteristic and subscribes to its notifications.
// It fails with ErrDeviceNotFound when ctx ends or the scan times out
// without a match, and with a *ConnectionError when a later step fails.
func (s *Session) Connect(ctx context.Context, namePrefix string, serviceUUID string, characteristicUUID string) (*CharacteristicHandle, error) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.status.State != SessionDisconnected {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.status = SessionStatus{State: SessionConnecting}
	s.connectCancel = cancel
	s.mu.Unlock()
	s.stateEvent.Notify(SessionStatus{State: SessionConnecting})

	handle, err := s.connect(connectCtx, namePrefix, serviceUUID, characteristicUUID)

	s.mu.Lock()
	s.connectCancel = nil
	if err == nil && connectCtx.Err() != nil {
		// Disconnect was called while the link came up
		err = &ConnectionError{Step: StepConnect, Address: handle.Address(), Err: connectCtx.Err()}
		s.mu.Unlock()
		s.release(handle)
		s.mu.Lock()
	}
	if err != nil {
		s.status = SessionStatus{State: SessionDisconnected}
		s.mu.Unlock()
		s.stateEvent.Notify(SessionStatus{State: SessionDisconnected})
		return nil, err
	}
	s.handle = handle
	s.status = SessionStatus{State: SessionConnected, DeviceName: handle.deviceName, Address: handle.Address()}
	status := s.status
	s.mu.Unlock()
	s.stateEvent.Notify(status)

	if s.options.Preferences != nil {
		s.options.Preferences.SetPreferredDevice(handle.Address())
	}
	s.logger.Printf("Session: connected to %s (%s)", handle.deviceName, handle.Address())
	return handle, nil
}

func (s *Session) connect(ctx context.Context, namePrefix string, serviceUUID string, characteristicUUID string) (*CharacteristicHandle, error) {
	device, err := s.discover(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	address := device.GetAddressString()
	name := device.GetLocalName()
	s.logger.Printf("Session: connecting to %s (%s)", name, address)

	fail := func(step ConnectStep, err error) (*CharacteristicHandle, error) {
		if dErr := s.manager.Disconnect(device); dErr != nil {
			s.logger.Printf("Session: cleanup disconnect of %s failed: %v", address, dErr)
		}
		return nil, &ConnectionError{Step: step, Address: address, Err: err}
	}

	if err := s.manager.Connect(device); err != nil {
		return fail(StepConnect, err)
	}
	if err := device.WaitForConnection(s.options.ConnectTimeout); err != nil {
		return fail(StepConnect, err)
	}
	if err := device.DiscoverCharacteristic(serviceUUID, characteristicUUID); err != nil {
		if errors.Is(err, bt.ErrCharacteristicNotFound) {
			return fail(StepCharacteristic, err)
		}
		return fail(StepService, err)
	}

	handle := &CharacteristicHandle{
		device:             device,
		deviceName:         name,
		serviceUUID:        serviceUUID,
		characteristicUUID: characteristicUUID,
	}
	handle.valid.Store(true)
	if device.IsConnected() {
		handle.seenConnected.Store(true)
	}
	if err := device.EnableNotifications(serviceUUID, characteristicUUID, s.handleNotification); err != nil {
		handle.valid.Store(false)
		return fail(StepNotifications, err)
	}
	return handle, nil
}

// discover waits for the first scan report with a matching device and picks
// one from it.
func (s *Session) discover(ctx context.Context, namePrefix string) (bt.BTDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.options.ScanTimeout)
	defer cancel()

	deviceChan := make(chan []bt.BTDevice, 1)
	unregister := s.manager.ListenToDeviceList(deviceChan)
	defer unregister()

	s.manager.StartScan(namePrefix)
	defer func() {
		if err := s.manager.StopScan(); err != nil {
			s.logger.Printf("Session: error stopping scan: %v", err)
		}
	}()

	preferred := ""
	if s.options.Preferences != nil {
		preferred = s.options.Preferences.GetPreferredDevice()
	}

	for {
		select {
		case <-scanCtx.Done():
			return nil, fmt.Errorf("%w: prefix %q: %v", ErrDeviceNotFound, namePrefix, scanCtx.Err())
		case devices := <-deviceChan:
			candidates := make([]bt.BTDevice, 0, len(devices))
			for _, d := range devices {
				// a replayed list from an earlier scan may hold stale entries
				if d.IsRecentlyScanned() && bt.MatchesNamePrefix(d.GetLocalName(), namePrefix) {
					candidates = append(candidates, d)
				}
			}
			if device := pickDevice(candidates, preferred); device != nil {
				return device, nil
			}
		}
	}
}

// pickDevice prefers the remembered address and otherwise the strongest
// signal. Ties go to the lowest address.
func pickDevice(devices []bt.BTDevice, preferredAddress string) bt.BTDevice {
	if len(devices) == 0 {
		return nil
	}
	for _, d := range devices {
		if preferredAddress != "" && d.GetAddressString() == preferredAddress {
			return d
		}
	}
	sorted := make([]bt.BTDevice, len(devices))
	copy(sorted, devices)
	rssiOf := func(d bt.BTDevice) int16 {
		rssi, err := d.GetScanRSSI()
		if err != nil {
			return -128
		}
		return rssi
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rssiOf(sorted[i]), rssiOf(sorted[j])
		if ri != rj {
			return ri > rj
		}
		return sorted[i].GetAddressString() < sorted[j].GetAddressString()
	})
	return sorted[0]
}

// handleNotification runs on the BLE stack's goroutine. A bad payload is
// logged and dropped; the displayed record stays as it was.
func (s *Session) handleNotification(buf []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Session: notification handler panic: %v", r)
		}
	}()

	record, err := ParseTelemetry(buf)
	if err != nil {
		s.parseFailures.Add(1)
		s.logger.Printf("Session: discarding notification: %v", err)
		return
	}
	record.ReceivedAt = s.now()
	s.telemetryEvent.Notify(record)
}

// Send encodes cfg and writes it through the chunked transport.
func (s *Session) Send(ctx context.Context, cfg ConfigRecord) error {
	handle := s.Handle()
	if handle == nil {
		return ErrNotConnected
	}
	text, err := cfg.Encode()
	if err != nil {
		return err
	}
	s.logger.Printf("Session: sending configuration %s", cfg)
	return s.transport.Send(ctx, text, handle)
}

// Disconnect drops the link. While a Connect is in flight it cancels that
// attempt instead, and the attempt reports the disconnected state when it
// returns. Calling it while disconnected does nothing.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	handle := s.handle
	if handle == nil {
		if s.connectCancel != nil {
			s.logger.Println("Session: cancelling connection attempt")
			s.connectCancel()
		}
		s.mu.Unlock()
		return nil
	}
	s.handle = nil
	status := SessionStatus{State: SessionDisconnected, DeviceName: handle.deviceName, Address: handle.Address()}
	s.status = status
	s.mu.Unlock()

	s.stateEvent.Notify(status)
	if err := s.release(handle); err != nil {
		return err
	}
	s.logger.Printf("Session: disconnected from %s", handle.Address())
	return nil
}

// release invalidates handle and tears down its subscription and link.
func (s *Session) release(handle *CharacteristicHandle) error {
	handle.valid.Store(false)
	if err := handle.device.DisableNotifications(handle.serviceUUID, handle.characteristicUUID); err != nil {
		s.logger.Printf("Session: disable notifications failed: %v", err)
	}
	if err := s.manager.Disconnect(handle.device); err != nil {
		return fmt.Errorf("disconnect %s: %w", handle.Address(), err)
	}
	return nil
}

// watchConnectedDevices notices when the connected device drops off the
// manager's connected list. There is no reconnection.
func (s *Session) watchConnectedDevices(ctx context.Context) {
	deviceChan := make(chan []bt.BTDevice, 4)
	unregister := s.manager.ListenToConnectedDevices(deviceChan)
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return
		case devices := <-deviceChan:
			s.mu.Lock()
			handle := s.handle
			s.mu.Unlock()
			if handle == nil {
				continue
			}

			present := false
			for _, d := range devices {
				if d.GetAddressString() == handle.Address() {
					present = true
					break
				}
			}
			if present {
				handle.seenConnected.Store(true)
				continue
			}
			if !handle.seenConnected.Load() || handle.device.IsConnected() {
				continue
			}
			s.onLinkLost(handle)
		}
	}
}

func (s *Session) onLinkLost(handle *CharacteristicHandle) {
	s.mu.Lock()
	if s.handle != handle {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	status := SessionStatus{
		State:      SessionDisconnected,
		DeviceName: handle.deviceName,
		Address:    handle.Address(),
		LinkLost:   true,
	}
	s.status = status
	s.mu.Unlock()

	handle.valid.Store(false)
	s.logger.Printf("Session: link to %s lost", handle.Address())
	s.stateEvent.Notify(status)
}

// SubscribeTelemetry streams decoded telemetry until ctx ends. The latest
// record, if any, is delivered first.
func (s *Session) SubscribeTelemetry(ctx context.Context) <-chan TelemetryRecord {
	return s.telemetryEvent.Subscribe(ctx, 8)
}

// SubscribeState streams session state changes until ctx ends, starting with
// the current state.
func (s *Session) SubscribeState(ctx context.Context) <-chan SessionStatus {
	return s.stateEvent.Subscribe(ctx, 8)
}

func (s *Session) LatestTelemetry() (TelemetryRecord, bool) {
	return s.telemetryEvent.Last()
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handle returns the active characteristic handle, or nil when disconnected.
func (s *Session) Handle() *CharacteristicHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// ParseFailures counts notifications that were dropped as undecodable.
func (s *Session) ParseFailures() int64 {
	return s.parseFailures.Load()
}

func (s *Session) Shutdown() {
	s.logger.Println("Session: Shutting down")
	if err := s.Disconnect(); err != nil {
		s.logger.Printf("Session: %v", err)
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Println("Session: Shutdown complete")
}
