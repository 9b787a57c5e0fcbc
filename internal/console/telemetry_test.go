package console

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetry_FirmwarePayload(t *testing.T) {
	record, err := ParseTelemetry([]byte(`{"temperatura":25.4,"humedad":60.3,"estado":"activo"}`))
	require.NoError(t, err)

	assert.Equal(t, []TelemetryEntry{
		{Key: "temperatura", Value: "25.4"},
		{Key: "humedad", Value: "60.3"},
		{Key: "estado", Value: "activo"},
	}, record.Entries)
	assert.Equal(t, []string{"temperatura: 25.4", "humedad: 60.3", "estado: activo"}, record.Lines())
	v, ok := record.Get("humedad")
	assert.True(t, ok)
	assert.Equal(t, "60.3", v)
	_, ok = record.Get("missing")
	assert.False(t, ok)
}

func TestParseTelemetry_ValueRendering(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"v":null}`, NotAvailable},
		{`{"v":true}`, "true"},
		{`{"v":-1.5e3}`, "-1.5e3"},
		{`{"v":""}`, ""},
		{`{"v":"a\nb"}`, "a\nb"},
		{`{"v":{"x": 1, "y": [1, 2]}}`, `{"x":1,"y":[1,2]}`},
		{`{"v":[ ]}`, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			record, err := ParseTelemetry([]byte(tt.payload))
			require.NoError(t, err)
			require.Len(t, record.Entries, 1)
			assert.Equal(t, tt.want, record.Entries[0].Value)
		})
	}
}

func TestParseTelemetry_EmptyObject(t *testing.T) {
	record, err := ParseTelemetry([]byte(" {} "))
	require.NoError(t, err)
	assert.True(t, record.IsEmpty())
	assert.Empty(t, record.Lines())
}

func TestParseTelemetry_DuplicateKeyKeepsFirstPosition(t *testing.T) {
	record, err := ParseTelemetry([]byte(`{"a":1,"b":2,"a":3}`))
	require.NoError(t, err)
	assert.Equal(t, []TelemetryEntry{{Key: "a", Value: "3"}, {Key: "b", Value: "2"}}, record.Entries)
}

func TestParseTelemetry_InvalidUTF8IsReplaced(t *testing.T) {
	record, err := ParseTelemetry([]byte("{\"estado\":\"ok\xff\"}"))
	require.NoError(t, err)
	assert.Equal(t, "ok�", record.Entries[0].Value)
}

func TestParseTelemetry_Rejects(t *testing.T) {
	for _, payload := range []string{
		"",
		"hello",
		"42",
		`"text"`,
		`[1,2]`,
		`null`,
		`{"a":1`,
		`{"a":1} {"b":2}`,
		`{"a":1}x`,
	} {
		t.Run(payload, func(t *testing.T) {
			_, err := ParseTelemetry([]byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParseFailure)
			var parseErr *ParseFailureError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, payload, parseErr.Payload)
		})
	}
}
