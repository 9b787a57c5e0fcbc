package console

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/bt"
	"github.com/lowaak/esp32-console/internal/peripheral"
)

const (
	mockWriteHistory   = 100
	maxRawNotification = 512
)

// MockBTDevice implements bt.BTDevice for use without Bluetooth hardware. A
// device that advertises the UART service runs the firmware emulation: it
// reassembles configuration writes and produces telemetry.
type MockBTDevice struct {
	logger       *log.Logger
	address      string
	localName    string
	rssi         int16
	serviceUUIDs []string
	firmware     *peripheral.Firmware
	hub          *WebSocketHub

	mu             sync.RWMutex
	state          bt.BTDeviceState
	notifyCallback func([]byte)
	writeIndex     int
	// writes from this index on fail; negative disables
	failWritesFrom int
	onLinkDrop     func()

	writtenValues   []WrittenValue
	writtenValuesMu sync.RWMutex

	server     *http.Server
	serverPort int
	wg         sync.WaitGroup
}

var _ bt.BTDevice = (*MockBTDevice)(nil)

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	DataHex            string    `json:"dataHex"`
	Text               string    `json:"text"`
	Failed             bool      `json:"failed"`
}

// MockDeviceState is the /api/state document
type MockDeviceState struct {
	Address     string             `json:"address"`
	LocalName   string             `json:"localName"`
	Connected   bool               `json:"connected"`
	Subscribed  bool               `json:"subscribed"`
	Telemetry   peripheral.Reading `json:"telemetry"`
	WriteCount  int                `json:"writeCount"`
	ConfigCount int                `json:"configCount"`
}

// MockConfigView is a received configuration with the passwords hidden.
type MockConfigView struct {
	Keys       []string          `json:"keys"`
	Values     map[string]string `json:"values"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

type MockBTDeviceConfig struct {
	Address      string
	LocalName    string
	RSSI         int16
	ServerPort   int // 0 disables the web page
	ServiceUUIDs []string
}

func NewMockBTDevice(logger *log.Logger, config MockBTDeviceConfig) *MockBTDevice {
	if logger == nil {
		panic("MockBTDevice: logger cannot be nil")
	}
	m := &MockBTDevice{
		logger:         logger,
		address:        config.Address,
		localName:      config.LocalName,
		rssi:           config.RSSI,
		serviceUUIDs:   config.ServiceUUIDs,
		firmware:       peripheral.NewFirmware(logger),
		hub:            NewWebSocketHub(logger),
		state:          bt.Disconnected,
		failWritesFrom: -1,
		serverPort:     config.ServerPort,
	}
	m.firmware.ListenToConfigs(func(rc peripheral.ReceivedConfig) {
		m.hub.Broadcast("config", newMockConfigView(rc))
	})
	return m
}

// Start serves the inspection page when a port is configured.
func (m *MockBTDevice) Start() error {
	if m.serverPort <= 0 {
		return nil
	}
	m.server = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", m.serverPort),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Printf("MockBTDevice: Web server starting on http://localhost:%d", m.serverPort)
		if err := m.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			m.logger.Printf("MockBTDevice: Web server error: %v", err)
		}
	}()
	return nil
}

// Handler is the inspection API.
func (m *MockBTDevice) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/set", m.handleSetValues)
	mux.HandleFunc("/api/writes", m.handleGetWrites)
	mux.HandleFunc("/api/configs", m.handleGetConfigs)
	mux.HandleFunc("/api/trigger-notification", m.handleTriggerNotification)
	mux.HandleFunc("/api/raw-notification", m.handleRawNotification)
	mux.HandleFunc("/api/drop-link", m.handleDropLink)
	mux.Handle("/api/ws", m.hub)
	return mux
}

func (m *MockBTDevice) Shutdown() {
	m.logger.Printf("MockBTDevice: Shutting down %s", m.localName)
	m.hub.Close()
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Printf("MockBTDevice: Error shutting down web server: %v", err)
		}
	}
	m.wg.Wait()
}

func (m *MockBTDevice) Firmware() *peripheral.Firmware {
	return m.firmware
}

// --- bt.BTDevice ---

func (m *MockBTDevice) GetAddressString() string    { return m.address }
func (m *MockBTDevice) GetLocalName() string        { return m.localName }
func (m *MockBTDevice) GetScanRSSI() (int16, error) { return m.rssi, nil }
func (m *MockBTDevice) GetScanLastSeen() time.Time  { return time.Now() }
func (m *MockBTDevice) IsRecentlyScanned() bool     { return true }
func (m *MockBTDevice) GetStateDescription() string { return m.GetState().String() }
func (m *MockBTDevice) IsConnected() bool           { return m.GetState() == bt.Connected }

func (m *MockBTDevice) GetState() bt.BTDeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockBTDevice) WaitForConnection(timeout time.Duration) error {
	if !m.IsConnected() {
		return bt.ErrConnectionTimeout
	}
	return nil
}

func (m *MockBTDevice) DiscoverCharacteristic(serviceUuid string, characteristicUuid string) error {
	if !m.IsConnected() {
		return bt.ErrNoConnectedDevice
	}
	if !m.hasService(serviceUuid) {
		return fmt.Errorf("%w: %s on %s", bt.ErrServiceNotFound, serviceUuid, m.address)
	}
	if characteristicUuid != CharUUIDNordicUART {
		return fmt.Errorf("%w: %s on %s", bt.ErrCharacteristicNotFound, characteristicUuid, m.address)
	}
	return nil
}

func (m *MockBTDevice) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if err := m.DiscoverCharacteristic(serviceUuid, characteristicUuid); err != nil {
		return err
	}
	m.mu.Lock()
	m.notifyCallback = callbackFunc
	m.mu.Unlock()
	m.logger.Printf("MockBTDevice [%s]: notifications enabled", m.localName)
	return nil
}

func (m *MockBTDevice) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	m.mu.Lock()
	m.notifyCallback = nil
	m.mu.Unlock()
	m.logger.Printf("MockBTDevice [%s]: notifications disabled", m.localName)
	return nil
}

func (m *MockBTDevice) WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error {
	if err := m.DiscoverCharacteristic(serviceUuid, characteristicUuid); err != nil {
		return err
	}

	m.mu.Lock()
	index := m.writeIndex
	m.writeIndex++
	failed := m.failWritesFrom >= 0 && index >= m.failWritesFrom
	m.mu.Unlock()

	value := WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUuid,
		CharacteristicUUID: characteristicUuid,
		DataHex:            hex.EncodeToString(data),
		Text:               string(data),
		Failed:             failed,
	}
	m.recordWrite(value)
	m.hub.Broadcast("write", value)

	if failed {
		return fmt.Errorf("mock write %d rejected", index)
	}
	m.firmware.HandleWrite(append([]byte(nil), data...))
	return nil
}

func (m *MockBTDevice) recordWrite(value WrittenValue) {
	m.writtenValuesMu.Lock()
	defer m.writtenValuesMu.Unlock()
	m.writtenValues = append(m.writtenValues, value)
	if len(m.writtenValues) > mockWriteHistory {
		m.writtenValues = m.writtenValues[len(m.writtenValues)-mockWriteHistory:]
	}
}

// FailWritesFrom makes the write with the given zero-based index, counted
// since the device was created, and every later write fail. A negative index
// turns failures off.
func (m *MockBTDevice) FailWritesFrom(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWritesFrom = index
}

// SendTelemetry advances the simulated sensor and notifies the reading.
func (m *MockBTDevice) SendTelemetry() {
	payload, err := m.firmware.NextTelemetry()
	if err != nil {
		m.logger.Printf("MockBTDevice [%s]: encode telemetry: %v", m.localName, err)
		return
	}
	m.notify(payload)
}

// SendRawNotification notifies payload as is.
func (m *MockBTDevice) SendRawNotification(payload []byte) {
	m.notify(payload)
}

func (m *MockBTDevice) notify(payload []byte) {
	m.mu.RLock()
	callback := m.notifyCallback
	connected := m.state == bt.Connected
	m.mu.RUnlock()

	if !connected || callback == nil {
		return
	}
	callback(payload)
	m.hub.Broadcast("notification", string(payload))
}

func (m *MockBTDevice) hasService(uuid string) bool {
	for _, u := range m.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (m *MockBTDevice) setConnected(connected bool) {
	m.mu.Lock()
	if connected {
		m.state = bt.Connected
	} else {
		m.state = bt.Disconnected
		m.notifyCallback = nil
	}
	m.mu.Unlock()

	if !connected {
		m.firmware.OnDisconnect()
	}
	m.logger.Printf("MockBTDevice [%s]: %s", m.localName, m.GetState())
	m.hub.Broadcast("state", m.snapshot())
}

func (m *MockBTDevice) snapshot() MockDeviceState {
	m.mu.RLock()
	state := MockDeviceState{
		Address:    m.address,
		LocalName:  m.localName,
		Connected:  m.state == bt.Connected,
		Subscribed: m.notifyCallback != nil,
	}
	m.mu.RUnlock()
	state.Telemetry = m.firmware.Generator().Current()
	state.WriteCount = m.firmware.WriteCount()
	state.ConfigCount = len(m.firmware.ReceivedConfigs())
	return state
}

func newMockConfigView(rc peripheral.ReceivedConfig) MockConfigView {
	view := MockConfigView{Keys: rc.Fields.Keys(), Values: map[string]string{}, ReceivedAt: rc.ReceivedAt}
	set := func(key string, value *string, secret bool) {
		if value == nil {
			return
		}
		if secret {
			view.Values[key] = "***"
			return
		}
		view.Values[key] = *value
	}
	set(FieldSSIDPrimary, rc.Fields.SSIDPrimary, false)
	set(FieldPassPrimary, rc.Fields.PassPrimary, true)
	set(FieldSSIDSecondary, rc.Fields.SSIDSecondary, false)
	set(FieldPassSecondary, rc.Fields.PassSecondary, true)
	set(FieldDeviceTagValue, rc.Fields.DeviceTagValue, false)
	return view
}

// --- HTTP handlers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *MockBTDevice) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, mockIndexHTML)
}

func (m *MockBTDevice) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.snapshot())
}

func (m *MockBTDevice) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	current := m.firmware.Generator().Current()
	temperature, humidity := current.Temperature, current.Humidity
	var err error
	if v := q.Get("temperatura"); v != "" {
		if temperature, err = strconv.ParseFloat(v, 64); err != nil {
			http.Error(w, "bad temperatura", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("humedad"); v != "" {
		if humidity, err = strconv.ParseFloat(v, 64); err != nil {
			http.Error(w, "bad humedad", http.StatusBadRequest)
			return
		}
	}
	failFrom := -2
	if v := q.Get("failWritesFrom"); v != "" {
		if failFrom, err = strconv.Atoi(v); err != nil {
			http.Error(w, "bad failWritesFrom", http.StatusBadRequest)
			return
		}
	}

	m.firmware.Generator().SetValues(temperature, humidity)
	if v := q.Get("estado"); v != "" {
		m.firmware.Generator().SetStatus(v)
	}
	if failFrom != -2 {
		m.FailWritesFrom(failFrom)
	}
	writeJSON(w, m.snapshot())
}

func (m *MockBTDevice) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	m.writtenValuesMu.RLock()
	writes := make([]WrittenValue, len(m.writtenValues))
	copy(writes, m.writtenValues)
	m.writtenValuesMu.RUnlock()
	writeJSON(w, writes)
}

func (m *MockBTDevice) handleGetConfigs(w http.ResponseWriter, r *http.Request) {
	configs := m.firmware.ReceivedConfigs()
	views := make([]MockConfigView, 0, len(configs))
	for _, rc := range configs {
		views = append(views, newMockConfigView(rc))
	}
	writeJSON(w, views)
}

func (m *MockBTDevice) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.SendTelemetry()
	w.WriteHeader(http.StatusOK)
}

func (m *MockBTDevice) handleRawNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRawNotification))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.SendRawNotification(payload)
	w.WriteHeader(http.StatusOK)
}

func (m *MockBTDevice) handleDropLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.mu.RLock()
	drop := m.onLinkDrop
	m.mu.RUnlock()
	if drop == nil || !m.IsConnected() {
		http.Error(w, "not connected", http.StatusConflict)
		return
	}
	drop()
	w.WriteHeader(http.StatusOK)
}

const mockIndexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Mock ESP32</title>
    <style>
        body { font-family: monospace; margin: 20px; }
        .section { margin: 20px 0; padding: 10px; border: 1px solid #ccc; }
        #feed div { border-bottom: 1px solid #eee; padding: 2px 0; }
    </style>
</head>
<body>
    <h1>Mock ESP32</h1>
    <div class="section">
        <h2>State</h2>
        <div id="state">Loading...</div>
    </div>
    <div class="section">
        <h2>Telemetry</h2>
        <label>temperatura</label> <input id="temperatura" type="number" step="0.1">
        <label>humedad</label> <input id="humedad" type="number" step="0.1">
        <label>estado</label> <input id="estado" type="text">
        <button onclick="setValues()">Set</button>
        <button onclick="post('/api/trigger-notification')">Notify</button>
        <button onclick="post('/api/drop-link')">Drop link</button>
    </div>
    <div class="section">
        <h2>Live feed</h2>
        <div id="feed"></div>
    </div>
    <script>
        function post(path) { return fetch(path, {method: 'POST'}).then(refreshState); }
        function refreshState() {
            fetch('/api/state').then(r => r.json()).then(s => {
                document.getElementById('state').textContent = JSON.stringify(s, null, 2);
            });
        }
        function setValues() {
            const p = new URLSearchParams();
            for (const k of ['temperatura', 'humedad', 'estado']) {
                const v = document.getElementById(k).value;
                if (v !== '') p.set(k, v);
            }
            post('/api/set?' + p);
        }
        const ws = new WebSocket('ws://' + location.host + '/api/ws');
        ws.onmessage = e => {
            const div = document.createElement('div');
            div.textContent = e.data;
            document.getElementById('feed').prepend(div);
            refreshState();
        };
        refreshState();
    </script>
</body>
</html>`
