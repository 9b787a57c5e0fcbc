package peripheral

import (
	"log"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/events"
)

// TelemetryInterval is how often the firmware notifies a reading.
const TelemetryInterval = 5 * time.Second

// Firmware is the behaviour of the ESP32 side of the UART characteristic,
// independent of any radio: it reassembles configuration writes and produces
// telemetry payloads. The BLE simulator and the mock device both drive it.
type Firmware struct {
	logger      *log.Logger
	assembler   *LineAssembler
	generator   *TelemetryGenerator
	configEvent *events.CallbackEvent[ReceivedConfig]
	mu          sync.Mutex
	configs     []ReceivedConfig
	writes      int
	now         func() time.Time
}

func NewFirmware(logger *log.Logger) *Firmware {
	if logger == nil {
		panic("Firmware: logger cannot be nil")
	}
	return &Firmware{
		logger:      logger,
		assembler:   NewLineAssembler(DefaultLineCapacity),
		generator:   NewTelemetryGenerator(),
		configEvent: events.NewCallbackEvent[ReceivedConfig](false),
		now:         time.Now,
	}
}

// HandleWrite processes one characteristic write from the central.
func (f *Firmware) HandleWrite(chunk []byte) {
	f.mu.Lock()
	f.writes++
	lines, err := f.assembler.Feed(chunk)
	f.mu.Unlock()

	if err != nil {
		f.logger.Printf("Firmware: dropped message: %v", err)
	}
	for _, line := range lines {
		fields, err := ParseConfigLine(line)
		if err != nil {
			f.logger.Printf("Firmware: %v: %q", err, line)
			continue
		}
		received := ReceivedConfig{Raw: line, Fields: fields, ReceivedAt: f.now()}
		f.mu.Lock()
		f.configs = append(f.configs, received)
		f.mu.Unlock()
		f.logger.Printf("Firmware: configuration received with keys %v", fields.Keys())
		f.configEvent.Notify(received)
	}
}

// NextTelemetry advances the simulated sensor and returns the payload to notify.
func (f *Firmware) NextTelemetry() ([]byte, error) {
	return f.generator.Next().Encode()
}

func (f *Firmware) Generator() *TelemetryGenerator {
	return f.generator
}

// ListenToConfigs registers a callback for every complete configuration message.
func (f *Firmware) ListenToConfigs(callback func(ReceivedConfig)) func() {
	return f.configEvent.Listen(callback)
}

func (f *Firmware) ReceivedConfigs() []ReceivedConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReceivedConfig(nil), f.configs...)
}

// WriteCount is the number of characteristic writes seen so far.
func (f *Firmware) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// OnDisconnect drops a partially received message.
func (f *Firmware) OnDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.assembler.Pending(); n > 0 {
		f.logger.Printf("Firmware: discarding %d bytes of an unfinished message", n)
	}
	f.assembler.Reset()
}
