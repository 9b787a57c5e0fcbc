package peripheral

import (
	"encoding/json"
	"math"
	"sync"
)

const (
	InitialTemperature = 25.3
	InitialHumidity    = 60.5
	InitialStatus      = "activo"

	temperatureStep = 0.1
	humidityStep    = -0.2
)

// Reading is one telemetry notification. Field order is the order the
// firmware emits the keys in.
type Reading struct {
	Temperature float64 `json:"temperatura"`
	Humidity    float64 `json:"humedad"`
	Status      string  `json:"estado"`
}

// TelemetryGenerator reproduces the firmware's simulated sensor: every
// reading raises the temperature by 0.1 and lowers the humidity by 0.2.
type TelemetryGenerator struct {
	mu          sync.Mutex
	temperature float64
	humidity    float64
	status      string
}

func NewTelemetryGenerator() *TelemetryGenerator {
	return &TelemetryGenerator{
		temperature: InitialTemperature,
		humidity:    InitialHumidity,
		status:      InitialStatus,
	}
}

// Next advances the simulation and returns the new reading. The values are
// rounded to one decimal so the drift of repeated float addition never shows.
func (g *TelemetryGenerator) Next() Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.temperature = round1(g.temperature + temperatureStep)
	g.humidity = round1(g.humidity + humidityStep)
	return g.current()
}

// Current returns the latest reading without advancing.
func (g *TelemetryGenerator) Current() Reading {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current()
}

func (g *TelemetryGenerator) SetStatus(status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

func (g *TelemetryGenerator) SetValues(temperature float64, humidity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.temperature = temperature
	g.humidity = humidity
}

func (g *TelemetryGenerator) current() Reading {
	return Reading{Temperature: g.temperature, Humidity: g.humidity, Status: g.status}
}

// Encode renders r the way the firmware notifies it: a JSON object with no
// terminator.
func (r Reading) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
