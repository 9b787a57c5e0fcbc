package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRecord_EncodeOmitsEmptyFields(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{
			name:   "all fields in form order",
			values: map[string]string{FieldDeviceTagValue: "t", FieldPassSecondary: "p2", FieldSSIDSecondary: "s2", FieldPassPrimary: "p1", FieldSSIDPrimary: "s1"},
			want:   `{"ssid_primary":"s1","pass_primary":"p1","ssid_secondary":"s2","pass_secondary":"p2","device_tag_value":"t"}` + "\n",
		},
		{
			name:   "only tag",
			values: map[string]string{FieldDeviceTagValue: "lab"},
			want:   `{"device_tag_value":"lab"}` + "\n",
		},
		{
			name:   "whitespace is kept",
			values: map[string]string{FieldSSIDPrimary: " My Net "},
			want:   `{"ssid_primary":" My Net "}` + "\n",
		},
		{
			name:   "no html escaping",
			values: map[string]string{FieldPassPrimary: "a<b>&c"},
			want:   `{"pass_primary":"a<b>&c"}` + "\n",
		},
		{
			name:   "quotes and unicode",
			values: map[string]string{FieldSSIDPrimary: `Café "5G"`},
			want:   `{"ssid_primary":"Café \"5G\""}` + "\n",
		},
		{
			name:   "unknown keys ignored",
			values: map[string]string{"foo": "bar", FieldSSIDPrimary: "x"},
			want:   `{"ssid_primary":"x"}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewConfigRecord(tt.values).Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigRecord_IsEmpty(t *testing.T) {
	assert.True(t, NewConfigRecord(nil).IsEmpty())
	assert.True(t, NewConfigRecord(map[string]string{FieldSSIDPrimary: ""}).IsEmpty())
	assert.False(t, NewConfigRecord(map[string]string{FieldPassSecondary: "x"}).IsEmpty())
}

func TestConfigRecord_Keys(t *testing.T) {
	record := NewConfigRecord(map[string]string{FieldDeviceTagValue: "t", FieldSSIDPrimary: "s"})
	assert.Equal(t, []string{FieldSSIDPrimary, FieldDeviceTagValue}, record.Keys())
}

func TestConfigRecord_StringMasksPasswords(t *testing.T) {
	record := NewConfigRecord(map[string]string{FieldSSIDPrimary: "Home", FieldPassPrimary: "hunter2", FieldPassSecondary: "other"})
	s := record.String()
	assert.Contains(t, s, `ssid_primary="Home"`)
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "other")
	assert.Contains(t, s, `pass_secondary="***"`)
}
