package peripheral

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid configuration message")

// ConfigFields are the keys the firmware understands. Absent keys keep the
// device's current value.
type ConfigFields struct {
	SSIDPrimary    *string `json:"ssid_primary,omitempty"`
	PassPrimary    *string `json:"pass_primary,omitempty"`
	SSIDSecondary  *string `json:"ssid_secondary,omitempty"`
	PassSecondary  *string `json:"pass_secondary,omitempty"`
	DeviceTagValue *string `json:"device_tag_value,omitempty"`
}

// ReceivedConfig is one configuration message as the device saw it.
type ReceivedConfig struct {
	Raw        string       `json:"raw"`
	Fields     ConfigFields `json:"fields"`
	ReceivedAt time.Time    `json:"received_at"`
}

// ParseConfigLine decodes one newline stripped message. It must be a JSON
// object; unknown keys are ignored.
func ParseConfigLine(line string) (ConfigFields, error) {
	var fields ConfigFields
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fields, fmt.Errorf("%w: not a JSON object", ErrInvalidConfig)
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fields, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return fields, nil
}

// Keys lists the keys present in the message, in form order.
func (c ConfigFields) Keys() []string {
	keys := make([]string, 0, 5)
	for _, f := range []struct {
		key string
		val *string
	}{
		{"ssid_primary", c.SSIDPrimary},
		{"pass_primary", c.PassPrimary},
		{"ssid_secondary", c.SSIDSecondary},
		{"pass_secondary", c.PassSecondary},
		{"device_tag_value", c.DeviceTagValue},
	} {
		if f.val != nil {
			keys = append(keys, f.key)
		}
	}
	return keys
}
