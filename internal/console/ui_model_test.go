package console

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIModel_StatusMessageExpires(t *testing.T) {
	f := newUIFixture(t)
	f.model.statusDuration = 30 * time.Millisecond
	ch := make(chan StatusMessage, 4)
	unregister := f.model.ListenToStatusMessage(ch)
	defer unregister()
	<-ch // initial empty state

	f.model.SetStatusMessage(StatusConfigSent, false)

	assert.Equal(t, StatusMessage{Text: StatusConfigSent}, <-ch)
	select {
	case msg := <-ch:
		assert.Equal(t, StatusMessage{}, msg)
	case <-time.After(time.Second):
		t.Fatal("status did not expire")
	}
}

func TestUIModel_NewerStatusRestartsExpiry(t *testing.T) {
	f := newUIFixture(t)
	f.model.statusDuration = 80 * time.Millisecond

	f.model.SetStatusMessage("first", false)
	time.Sleep(50 * time.Millisecond)
	f.model.SetStatusMessage("second", true)
	time.Sleep(50 * time.Millisecond)

	// the first deadline has passed; the second message stays
	assert.Equal(t, StatusMessage{Text: "second", IsError: true}, f.model.GetStatusMessage())
	require.Eventually(t, func() bool {
		return f.model.GetStatusMessage().Text == ""
	}, time.Second, 5*time.Millisecond)
}

func TestUIModel_FollowsTelemetry(t *testing.T) {
	f := newUIFixture(t)
	f.connect(t)

	f.manager.ESP32().SendTelemetry()

	require.Eventually(t, func() bool {
		return !f.model.GetTelemetry().IsEmpty()
	}, time.Second, 5*time.Millisecond)
	v, _ := f.model.GetTelemetry().Get("estado")
	assert.Equal(t, "activo", v)

	// a disconnect keeps the last record on screen
	require.NoError(t, f.session.Disconnect())
	require.Eventually(t, func() bool {
		return f.model.GetConnection().State == SessionDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.model.GetTelemetry().IsEmpty())
}

func TestUIModel_LinkLossShowsStatus(t *testing.T) {
	f := newUIFixture(t)
	f.connect(t)

	f.manager.dropLink(f.manager.ESP32())

	f.waitStatus(t, StatusDisconnected)
	assert.True(t, f.model.GetConnection().LinkLost)
}

func TestUIModel_LogTail(t *testing.T) {
	f := newUIFixture(t)
	for i := 0; i < maxLogLines+5; i++ {
		f.logChan <- fmt.Sprintf("line %d\n", i)
	}
	require.Eventually(t, func() bool {
		tail := f.model.GetLogTail(1)
		return len(tail) == 1 && tail[0] == fmt.Sprintf("line %d\n", maxLogLines+4)
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, f.model.GetLogTail(maxLogLines*2), maxLogLines)
	assert.Equal(t, "line 5\n", f.model.GetLogTail(maxLogLines)[0])
	assert.Empty(t, f.model.GetLogTail(0))
}

func TestUIModel_SetModeNotifiesOnChange(t *testing.T) {
	f := newUIFixture(t)
	ch := make(chan UIState, 4)
	unregister := f.model.ListenToUIState(ch)
	defer unregister()
	assert.Equal(t, UIModeConsole, (<-ch).Mode)

	f.model.SetMode(UIModeConsole)
	f.model.SetMode(UIModeConfiguration)

	assert.Equal(t, UIModeConfiguration, (<-ch).Mode)
	assert.Empty(t, ch)
}

func TestUIModelPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewUIModelPersistence(dir, newTestLogger())
	assert.Empty(t, p.GetPreferredDevice())

	p.SetPreferredDevice(MockESP32Address)
	p.SetLastConfiguration(map[string]string{
		FieldSSIDPrimary:   "Home",
		FieldPassPrimary:   "secret",
		FieldSSIDSecondary: "",
	})

	raw, err := os.ReadFile(filepath.Join(dir, uiStateFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	reloaded := NewUIModelPersistence(dir, newTestLogger())
	assert.Equal(t, MockESP32Address, reloaded.GetPreferredDevice())
	assert.Equal(t, map[string]string{FieldSSIDPrimary: "Home"}, reloaded.GetLastConfiguration())
}

func TestUIModelPersistence_CorruptFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, uiStateFileName), []byte("{nope"), 0644))

	p := NewUIModelPersistence(dir, newTestLogger())

	assert.Empty(t, p.GetPreferredDevice())
	assert.Empty(t, p.GetLastConfiguration())
}

func TestUIModeLookup(t *testing.T) {
	mode, ok := GetUIModeByKey('2')
	assert.True(t, ok)
	assert.Equal(t, UIModeConfiguration, mode)
	_, ok = GetUIModeByKey('9')
	assert.False(t, ok)

	info, ok := GetUIModeInfo(UIModeConsole)
	assert.True(t, ok)
	assert.Equal(t, "Console", info.DisplayName)
}
