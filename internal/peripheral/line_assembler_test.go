package peripheral

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineAssembler_ReassemblesChunks(t *testing.T) {
	a := NewLineAssembler(0)
	payload := `{"ssid_primary":"Home","device_tag_value":"kitchen"}` + "\n"

	var lines []string
	for i := 0; i < len(payload); i += 20 {
		end := min(i+20, len(payload))
		got, err := a.Feed([]byte(payload[i:end]))
		require.NoError(t, err)
		lines = append(lines, got...)
	}

	assert.Equal(t, []string{`{"ssid_primary":"Home","device_tag_value":"kitchen"}`}, lines)
	assert.Equal(t, 0, a.Pending())
}

func TestLineAssembler_SeveralLinesInOneChunk(t *testing.T) {
	a := NewLineAssembler(64)

	lines, err := a.Feed([]byte("{\"a\":1}\n{\"b\":2}\n{\"c\""))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
	assert.Equal(t, 4, a.Pending())

	lines, err = a.Feed([]byte(":3}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"c":3}`}, lines)
}

func TestLineAssembler_OverflowDropsLineUntilNewline(t *testing.T) {
	a := NewLineAssembler(16)

	_, err := a.Feed([]byte("0123456789"))
	require.NoError(t, err)
	_, err = a.Feed([]byte("0123456789"))
	assert.ErrorIs(t, err, ErrLineTooLong)

	// tail of the oversized line is discarded, the next line survives
	lines, err := a.Feed([]byte("tail\n{\"ok\":1}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"ok":1}`}, lines)
}

func TestLineAssembler_OverflowWithNewlineInSameChunk(t *testing.T) {
	a := NewLineAssembler(8)

	lines, err := a.Feed([]byte(strings.Repeat("x", 12) + "\nok\n"))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Equal(t, []string{"ok"}, lines)
}

func TestLineAssembler_Reset(t *testing.T) {
	a := NewLineAssembler(32)
	_, err := a.Feed([]byte(`{"ssid_pri`))
	require.NoError(t, err)

	a.Reset()
	assert.Equal(t, 0, a.Pending())

	lines, err := a.Feed([]byte("{}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"{}"}, lines)
}

func TestLineAssembler_EmptyLine(t *testing.T) {
	a := NewLineAssembler(8)
	lines, err := a.Feed([]byte("\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, lines)
}
