package console

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// NotAvailable is shown for a null telemetry value.
const NotAvailable = "N/A"

// TelemetryEntry is one top-level key of a telemetry notification with its
// display value.
type TelemetryEntry struct {
	Key   string
	Value string
}

// TelemetryRecord is the decoded content of one notification, in the key
// order the device sent.
type TelemetryRecord struct {
	Entries    []TelemetryEntry
	Raw        string
	ReceivedAt time.Time
}

// ParseTelemetry decodes a notification payload. The bytes are read as UTF-8
// with invalid sequences replaced by U+FFFD. The payload must hold exactly
// one JSON object; anything else is a *ParseFailureError. A key repeated in
// the object keeps its first position and its last value.
func ParseTelemetry(payload []byte) (TelemetryRecord, error) {
	text := strings.ToValidUTF8(string(payload), "�")
	fail := func(err error) (TelemetryRecord, error) {
		return TelemetryRecord{}, &ParseFailureError{Payload: text, Err: fmt.Errorf("%w: %v", ErrParseFailure, err)}
	}

	dec := json.NewDecoder(strings.NewReader(text))
	tok, err := dec.Token()
	if err != nil {
		return fail(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fail(fmt.Errorf("unexpected %v", tok))
	}

	record := TelemetryRecord{Raw: text}
	positions := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fail(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fail(fmt.Errorf("unexpected key %v", keyTok))
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fail(err)
		}
		value, err := renderTelemetryValue(raw)
		if err != nil {
			return fail(err)
		}
		if idx, seen := positions[key]; seen {
			record.Entries[idx].Value = value
			continue
		}
		positions[key] = len(record.Entries)
		record.Entries = append(record.Entries, TelemetryEntry{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fail(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail(errors.New("trailing data after object"))
	}
	return record, nil
}

// renderTelemetryValue turns a JSON value into display text: strings as their
// content, numbers and booleans as written, null as N/A, and objects or
// arrays as compact JSON.
func renderTelemetryValue(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", errors.New("empty value")
	}
	switch trimmed[0] {
	case 'n':
		return NotAvailable, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return string(trimmed), nil
	}
}

// Get returns the display value for key.
func (r TelemetryRecord) Get(key string) (string, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Lines renders the record as "key: value" lines.
func (r TelemetryRecord) Lines() []string {
	lines := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		lines = append(lines, e.Key+": "+e.Value)
	}
	return lines
}

func (r TelemetryRecord) IsEmpty() bool {
	return len(r.Entries) == 0
}
