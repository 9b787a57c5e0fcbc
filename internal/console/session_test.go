package console

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/esp32-console/internal/bt"
)

type memoryPreferences struct {
	mu      sync.Mutex
	address string
}

func (p *memoryPreferences) GetPreferredDevice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

func (p *memoryPreferences) SetPreferredDevice(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.address = address
}

type sessionFixture struct {
	manager     *MockBTManager
	session     *Session
	preferences *memoryPreferences
	sleeper     *recordingSleeper
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	logger := newTestLogger()
	manager := NewMockBTManager(logger, MockBTManagerOptions{
		ScanInterval:      10 * time.Millisecond,
		TelemetryInterval: time.Hour,
	})
	require.NoError(t, manager.Enable())
	f := &sessionFixture{
		manager:     manager,
		preferences: &memoryPreferences{},
		sleeper:     &recordingSleeper{},
	}
	f.session = NewSession(manager, logger, SessionOptions{
		ScanTimeout:    2 * time.Second,
		ConnectTimeout: time.Second,
		Preferences:    f.preferences,
		Sleeper:        f.sleeper.sleep,
	})
	t.Cleanup(func() {
		f.session.Shutdown()
		manager.Shutdown()
	})
	return f
}

func (f *sessionFixture) connect(t *testing.T) *CharacteristicHandle {
	t.Helper()
	handle, err := f.session.Connect(context.Background(), DefaultNamePrefix, ServiceUUIDNordicUART, CharUUIDNordicUART)
	require.NoError(t, err)
	return handle
}

func TestSession_ConnectFindsDeviceByPrefix(t *testing.T) {
	f := newSessionFixture(t)
	states := f.session.SubscribeState(t.Context())
	assert.Equal(t, SessionDisconnected, (<-states).State)

	handle := f.connect(t)

	assert.Equal(t, MockESP32Name, handle.DeviceName())
	assert.Equal(t, MockESP32Address, handle.Address())
	assert.Equal(t, ServiceUUIDNordicUART, handle.ServiceUUID())
	assert.Equal(t, CharUUIDNordicUART, handle.CharacteristicUUID())
	assert.True(t, handle.Valid())
	assert.True(t, f.manager.ESP32().IsConnected())
	assert.False(t, f.manager.IsScanning(), "scan stops once a device is chosen")
	assert.Equal(t, MockESP32Address, f.preferences.GetPreferredDevice())

	assert.Equal(t, SessionConnecting, (<-states).State)
	connected := <-states
	assert.Equal(t, SessionConnected, connected.State)
	assert.Equal(t, MockESP32Name, connected.DeviceName)
	assert.Same(t, handle, f.session.Handle())
}

func TestSession_ConnectTwiceFails(t *testing.T) {
	f := newSessionFixture(t)
	f.connect(t)

	_, err := f.session.Connect(context.Background(), DefaultNamePrefix, ServiceUUIDNordicUART, CharUUIDNordicUART)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, SessionConnected, f.session.Status().State)
}

func TestSession_NoMatchingDeviceTimesOut(t *testing.T) {
	logger := newTestLogger()
	manager := NewMockBTManager(logger, MockBTManagerOptions{ScanInterval: 10 * time.Millisecond})
	defer manager.Shutdown()
	session := NewSession(manager, logger, SessionOptions{ScanTimeout: 100 * time.Millisecond})
	defer session.Shutdown()

	_, err := session.Connect(context.Background(), "Nordic", ServiceUUIDNordicUART, CharUUIDNordicUART)

	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, SessionDisconnected, session.Status().State)
	assert.Nil(t, session.Handle())
	assert.False(t, manager.IsScanning())
}

func TestSession_CancelledScanReportsNotFound(t *testing.T) {
	f := newSessionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.session.Connect(ctx, "Nordic", ServiceUUIDNordicUART, CharUUIDNordicUART)

	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, SessionDisconnected, f.session.Status().State)
}

func TestSession_MissingServiceFailsAtServiceStep(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.session.Connect(context.Background(), DefaultNamePrefix, "0000180d-0000-1000-8000-00805f9b34fb", CharUUIDNordicUART)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StepService, connErr.Step)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, bt.ErrServiceNotFound)
	assert.False(t, f.manager.ESP32().IsConnected(), "link is released on failure")
	assert.Equal(t, SessionDisconnected, f.session.Status().State)
}

func TestSession_MissingCharacteristicFailsAtCharacteristicStep(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.session.Connect(context.Background(), DefaultNamePrefix, ServiceUUIDNordicUART, "6e400003-b5a3-f393-e0a9-e50e24dcca9e")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StepCharacteristic, connErr.Step)
	assert.Equal(t, MockESP32Address, connErr.Address)
}

func TestSession_EmptyPrefixPicksStrongestSignal(t *testing.T) {
	f := newSessionFixture(t)

	// the unrelated device is louder and has no UART service
	_, err := f.session.Connect(context.Background(), "", ServiceUUIDNordicUART, CharUUIDNordicUART)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, mockOtherAddress, connErr.Address)
	assert.Equal(t, StepService, connErr.Step)
}

func TestSession_PreferredDeviceWins(t *testing.T) {
	f := newSessionFixture(t)
	f.preferences.SetPreferredDevice(MockESP32Address)

	handle, err := f.session.Connect(context.Background(), "", ServiceUUIDNordicUART, CharUUIDNordicUART)

	require.NoError(t, err)
	assert.Equal(t, MockESP32Address, handle.Address())
}

func TestPickDevice(t *testing.T) {
	logger := newTestLogger()
	weak := NewMockBTDevice(logger, MockBTDeviceConfig{Address: "aa", LocalName: "ESP32_a", RSSI: -80})
	strongB := NewMockBTDevice(logger, MockBTDeviceConfig{Address: "bb", LocalName: "ESP32_b", RSSI: -30})
	strongC := NewMockBTDevice(logger, MockBTDeviceConfig{Address: "cc", LocalName: "ESP32_c", RSSI: -30})
	devices := []bt.BTDevice{weak, strongC, strongB}

	assert.Nil(t, pickDevice(nil, ""))
	assert.Same(t, strongB, pickDevice(devices, ""), "ties go to the lowest address")
	assert.Same(t, weak, pickDevice(devices, "aa"))
	assert.Same(t, strongB, pickDevice(devices, "zz"), "absent preference falls back to signal")
	assert.Equal(t, []bt.BTDevice{weak, strongC, strongB}, devices, "input order is untouched")
}

func TestSession_TelemetryIsDecodedAndPublished(t *testing.T) {
	f := newSessionFixture(t)
	telemetry := f.session.SubscribeTelemetry(t.Context())
	f.connect(t)

	f.manager.ESP32().SendTelemetry()

	select {
	case record := <-telemetry:
		assert.Equal(t, []string{"temperatura: 25.4", "humedad: 60.3", "estado: activo"}, record.Lines())
		assert.False(t, record.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no telemetry")
	}
}

func TestSession_BadNotificationKeepsLastRecord(t *testing.T) {
	f := newSessionFixture(t)
	f.connect(t)
	esp32 := f.manager.ESP32()

	esp32.SendTelemetry()
	before, ok := f.session.LatestTelemetry()
	require.True(t, ok)

	esp32.SendRawNotification([]byte("not json"))
	esp32.SendRawNotification([]byte(`[1,2,3]`))

	after, ok := f.session.LatestTelemetry()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(2), f.session.ParseFailures())
	assert.Equal(t, SessionConnected, f.session.Status().State)
}

func TestSession_SendDeliversConfigurationToDevice(t *testing.T) {
	f := newSessionFixture(t)
	f.connect(t)

	err := f.session.Send(context.Background(), NewConfigRecord(map[string]string{
		FieldSSIDPrimary:    "Home",
		FieldDeviceTagValue: "kitchen",
	}))
	require.NoError(t, err)

	firmware := f.manager.ESP32().Firmware()
	assert.Equal(t, 3, firmware.WriteCount())
	configs := firmware.ReceivedConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, `{"ssid_primary":"Home","device_tag_value":"kitchen"}`, configs[0].Raw)
	assert.Equal(t, []time.Duration{ChunkDelay, ChunkDelay}, f.sleeper.recorded())
}

func TestSession_SendStopsAtFailedChunk(t *testing.T) {
	f := newSessionFixture(t)
	f.connect(t)
	f.manager.ESP32().FailWritesFrom(1)

	err := f.session.Send(context.Background(), NewConfigRecord(map[string]string{FieldSSIDPrimary: "a long network name"}))

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.ChunkIndex)
	assert.Empty(t, f.manager.ESP32().Firmware().ReceivedConfigs())
}

func TestSession_SendWithoutConnection(t *testing.T) {
	f := newSessionFixture(t)
	err := f.session.Send(context.Background(), NewConfigRecord(map[string]string{FieldSSIDPrimary: "x"}))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_Disconnect(t *testing.T) {
	f := newSessionFixture(t)
	handle := f.connect(t)

	require.NoError(t, f.session.Disconnect())

	assert.False(t, handle.Valid())
	assert.ErrorIs(t, handle.WriteChunk([]byte("x")), ErrNotConnected)
	assert.False(t, f.manager.ESP32().IsConnected())
	assert.Equal(t, SessionDisconnected, f.session.Status().State)
	assert.NoError(t, f.session.Disconnect(), "second disconnect is a no-op")

	// a new connection is possible afterwards
	f.connect(t)
}

func TestSession_LinkLossInvalidatesHandle(t *testing.T) {
	f := newSessionFixture(t)
	handle := f.connect(t)
	states := f.session.SubscribeState(t.Context())
	<-states // current state

	f.manager.dropLink(f.manager.ESP32())

	require.Eventually(t, func() bool {
		return f.session.Status().State == SessionDisconnected
	}, time.Second, 5*time.Millisecond)

	select {
	case status := <-states:
		assert.True(t, status.LinkLost)
		assert.Equal(t, MockESP32Address, status.Address)
	case <-time.After(time.Second):
		t.Fatal("no state change")
	}
	assert.ErrorIs(t, handle.WriteChunk([]byte("x")), ErrNotConnected)
	assert.Nil(t, f.session.Handle())

	stored := f.session.Status()
	assert.True(t, stored.LinkLost, "stored status matches the last state event")
	assert.Equal(t, MockESP32Name, stored.DeviceName)
	assert.Equal(t, MockESP32Address, stored.Address)
}

func TestSession_DisconnectWhileConnectingCancelsAttempt(t *testing.T) {
	f := newSessionFixture(t)
	f.session.options.ScanTimeout = 10 * time.Second

	result := make(chan error, 1)
	go func() {
		_, err := f.session.Connect(context.Background(), "Nordic", ServiceUUIDNordicUART, CharUUIDNordicUART)
		result <- err
	}()
	require.Eventually(t, func() bool {
		return f.session.Status().State == SessionConnecting
	}, time.Second, 5*time.Millisecond)

	_, err := f.session.Connect(context.Background(), DefaultNamePrefix, ServiceUUIDNordicUART, CharUUIDNordicUART)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, f.session.Disconnect())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("connect attempt was not cancelled")
	}
	assert.Equal(t, SessionDisconnected, f.session.Status().State)
	assert.Nil(t, f.session.Handle())

	// the session is usable again afterwards
	f.connect(t)
}

func TestMockBTManager_StartScanRestartsWithNewPrefix(t *testing.T) {
	f := newSessionFixture(t)
	lists := make(chan []bt.BTDevice, 16)
	unregister := f.manager.ListenToDeviceList(lists)
	defer unregister()

	f.manager.StartScan("Thermo")
	f.manager.StartScan(DefaultNamePrefix)
	defer f.manager.StopScan()

	onlyESP32 := func(devices []bt.BTDevice) bool {
		return len(devices) == 1 && devices[0].GetLocalName() == MockESP32Name
	}
	require.Eventually(t, func() bool {
		for {
			select {
			case devices := <-lists:
				if onlyESP32(devices) {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	// later reports use the new filter only
	time.Sleep(20 * time.Millisecond)
	for len(lists) > 0 {
		<-lists
	}
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case devices := <-lists:
			assert.True(t, onlyESP32(devices))
		case <-deadline:
			assert.True(t, f.manager.IsScanning())
			return
		}
	}
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", SessionDisconnected.String())
	assert.Equal(t, "Connecting", SessionConnecting.String())
	assert.Equal(t, "Connected", SessionConnected.String())
	assert.Equal(t, "Unknown", SessionState(42).String())
}
