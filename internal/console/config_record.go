package console

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ConfigRecord is the configuration sent to the device. Empty fields are left
// out of the message so the device keeps its current value for them. Field
// order is the wire key order.
type ConfigRecord struct {
	SSIDPrimary    string `json:"ssid_primary,omitempty"`
	PassPrimary    string `json:"pass_primary,omitempty"`
	SSIDSecondary  string `json:"ssid_secondary,omitempty"`
	PassSecondary  string `json:"pass_secondary,omitempty"`
	DeviceTagValue string `json:"device_tag_value,omitempty"`
}

// NewConfigRecord builds a record from form values keyed by field name.
// Unknown keys are ignored. Values are taken verbatim, whitespace included.
func NewConfigRecord(values map[string]string) ConfigRecord {
	return ConfigRecord{
		SSIDPrimary:    values[FieldSSIDPrimary],
		PassPrimary:    values[FieldPassPrimary],
		SSIDSecondary:  values[FieldSSIDSecondary],
		PassSecondary:  values[FieldPassSecondary],
		DeviceTagValue: values[FieldDeviceTagValue],
	}
}

// IsEmpty reports whether there is nothing to send.
func (c ConfigRecord) IsEmpty() bool {
	return c == ConfigRecord{}
}

// Keys returns the names of the fields that will be sent, in wire order.
func (c ConfigRecord) Keys() []string {
	keys := make([]string, 0, len(AllConfigFields))
	for _, f := range []struct {
		key   string
		value string
	}{
		{FieldSSIDPrimary, c.SSIDPrimary},
		{FieldPassPrimary, c.PassPrimary},
		{FieldSSIDSecondary, c.SSIDSecondary},
		{FieldPassSecondary, c.PassSecondary},
		{FieldDeviceTagValue, c.DeviceTagValue},
	} {
		if f.value != "" {
			keys = append(keys, f.key)
		}
	}
	return keys
}

// Encode returns the wire form: compact JSON terminated by a single '\n'.
// HTML characters are not escaped; the device sees the values as typed.
func (c ConfigRecord) Encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode appends the '\n' terminator
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}
	return buf.String(), nil
}

// String masks the passwords so the record can be logged.
func (c ConfigRecord) String() string {
	masked := c
	if masked.PassPrimary != "" {
		masked.PassPrimary = "***"
	}
	if masked.PassSecondary != "" {
		masked.PassSecondary = "***"
	}
	return fmt.Sprintf("ssid_primary=%q pass_primary=%q ssid_secondary=%q pass_secondary=%q device_tag_value=%q",
		masked.SSIDPrimary, masked.PassPrimary, masked.SSIDSecondary, masked.PassSecondary, masked.DeviceTagValue)
}
