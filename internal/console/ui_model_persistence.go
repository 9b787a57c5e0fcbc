package console

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const uiStateFileName = "ui_state.json"

type uiModelPersistenceData struct {
	PreferredDeviceAddress string            `json:"preferred_device_address"`
	LastConfiguration      map[string]string `json:"last_configuration,omitempty"`
}

// UIModelPersistence keeps small bits of UI state across runs in
// <state_dir>/ui_state.json. Passwords are never written.
type UIModelPersistence struct {
	filePath string
	data     uiModelPersistenceData
	mu       sync.Mutex
	logger   *log.Logger
}

func NewUIModelPersistence(stateDir string, logger *log.Logger) *UIModelPersistence {
	if logger == nil {
		panic("UIModelPersistence: logger cannot be nil")
	}
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		stateDir = filepath.Join(homeDir, ".esp32-console")
	}
	p := &UIModelPersistence{
		filePath: filepath.Join(stateDir, uiStateFileName),
		logger:   logger,
	}
	p.load()
	return p
}

func (p *UIModelPersistence) GetPreferredDevice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.PreferredDeviceAddress
}

func (p *UIModelPersistence) SetPreferredDevice(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.PreferredDeviceAddress == address {
		return
	}
	p.logger.Printf("UIModelPersistence: setPreferredDevice -> %q", address)
	p.data.PreferredDeviceAddress = address
	p.save()
}

// GetLastConfiguration returns the non-secret form values saved last time.
func (p *UIModelPersistence) GetLastConfiguration() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]string, len(p.data.LastConfiguration))
	for k, v := range p.data.LastConfiguration {
		result[k] = v
	}
	return result
}

func (p *UIModelPersistence) SetLastConfiguration(values map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := make(map[string]string)
	for _, field := range AllConfigFields {
		if field.Masked {
			continue
		}
		if v := values[field.Key]; v != "" {
			kept[field.Key] = v
		}
	}
	p.data.LastConfiguration = kept
	p.save()
}

func (p *UIModelPersistence) load() {
	p.data = uiModelPersistenceData{}
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("UIModelPersistence: load %s (no existing file)", p.filePath)
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("UIModelPersistence: load %s failed to parse: %v", p.filePath, err)
		p.data = uiModelPersistenceData{}
		return
	}
	p.logger.Printf("UIModelPersistence: load %s -> preferred %q", p.filePath, p.data.PreferredDeviceAddress)
}

// save must be called with mu held.
func (p *UIModelPersistence) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("UIModelPersistence: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("UIModelPersistence: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("UIModelPersistence: save %s failed: %v", p.filePath, err)
	}
}
