package console

import "time"

// Nordic UART Service. The firmware uses one characteristic in both
// directions: configuration is written to it and telemetry is notified on it.
const (
	ServiceUUIDNordicUART = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUIDNordicUART    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"

	DefaultNamePrefix = "ESP32"
)

// Chunked transport framing. 20 bytes is the ATT payload of the default
// 23 byte MTU.
const (
	ChunkSize  = 20
	ChunkDelay = 50 * time.Millisecond
)

// StatusMessageDuration is how long a status message stays on screen.
const StatusMessageDuration = 5 * time.Second

// Status texts shown to the user.
const (
	StatusConnectFailed    = "Could not connect to the device. Check that it is powered on and nearby."
	StatusNoConnection     = "No connection to send data."
	StatusNothingToSend    = "No new configuration data to send."
	StatusWriteFailed      = "Error sending a data packet. Try again."
	StatusConfigSent       = "Configuration sent. The ESP32 will restart to apply the changes."
	StatusDeviceNotFound   = "No ESP32 device found."
	StatusDisconnected     = "Device disconnected."
	StatusAlreadyConnected = "Already connected."
)

// Configuration record keys, in form order.
const (
	FieldSSIDPrimary    = "ssid_primary"
	FieldPassPrimary    = "pass_primary"
	FieldSSIDSecondary  = "ssid_secondary"
	FieldPassSecondary  = "pass_secondary"
	FieldDeviceTagValue = "device_tag_value"
)

// ConfigFieldInfo describes one input of the configuration form.
type ConfigFieldInfo struct {
	Key    string
	Label  string
	Masked bool
}

var AllConfigFields = []ConfigFieldInfo{
	{Key: FieldSSIDPrimary, Label: "Primary SSID"},
	{Key: FieldPassPrimary, Label: "Primary password", Masked: true},
	{Key: FieldSSIDSecondary, Label: "Secondary SSID"},
	{Key: FieldPassSecondary, Label: "Secondary password", Masked: true},
	{Key: FieldDeviceTagValue, Label: "Device tag"},
}

// UIMode represents the current UI mode/screen
type UIMode int

const (
	UIModeConsole       UIMode = iota // Connection and live telemetry
	UIModeConfiguration               // Configuration form
)

// UIModeInfo contains display information for a UI mode
type UIModeInfo struct {
	Mode        UIMode
	DisplayName string
	KeyBinding  rune
}

var AllUIModes = []UIModeInfo{
	{Mode: UIModeConsole, DisplayName: "Console", KeyBinding: '1'},
	{Mode: UIModeConfiguration, DisplayName: "Configuration", KeyBinding: '2'},
}

// GetUIModeByKey returns the mode for a given key binding
func GetUIModeByKey(key rune) (UIMode, bool) {
	for _, info := range AllUIModes {
		if info.KeyBinding == key {
			return info.Mode, true
		}
	}
	return 0, false
}

// GetUIModeInfo returns the info for a given mode
func GetUIModeInfo(mode UIMode) (UIModeInfo, bool) {
	for _, info := range AllUIModes {
		if info.Mode == mode {
			return info, true
		}
	}
	return UIModeInfo{}, false
}
