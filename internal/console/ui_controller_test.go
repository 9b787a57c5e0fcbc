package console

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uiFixture struct {
	*sessionFixture
	model      *UIModel
	controller *UIController
	logChan    chan string
}

func newUIFixture(t *testing.T) *uiFixture {
	t.Helper()
	f := &uiFixture{sessionFixture: newSessionFixture(t), logChan: make(chan string, 16)}
	persistence := NewUIModelPersistence(t.TempDir(), newTestLogger())
	f.model = NewUIModel(f.session, persistence, newTestLogger(), f.logChan)
	f.controller = NewUIController(f.model, f.session, ConnectTarget{}, newTestLogger())
	t.Cleanup(func() {
		f.controller.Shutdown()
		f.model.Shutdown()
	})
	return f
}

func (f *uiFixture) waitStatus(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.model.GetStatusMessage().Text == want
	}, 2*time.Second, 5*time.Millisecond, "status %q, have %q", want, f.model.GetStatusMessage().Text)
}

func TestUIController_ConnectUpdatesModel(t *testing.T) {
	f := newUIFixture(t)

	f.controller.Connect()

	require.Eventually(t, func() bool {
		return f.model.GetConnection().State == SessionConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, MockESP32Name, f.model.GetConnection().DeviceName)
}

func TestUIController_ConnectWhenConnected(t *testing.T) {
	f := newUIFixture(t)
	f.connect(t)

	f.controller.Connect()

	f.waitStatus(t, StatusAlreadyConnected)
}

func TestUIController_ConnectFailureMessages(t *testing.T) {
	f := newUIFixture(t)
	f.controller.target.NamePrefix = "Nordic"
	f.session.options.ScanTimeout = 50 * time.Millisecond

	f.controller.Connect()
	f.waitStatus(t, StatusDeviceNotFound)
	assert.True(t, f.model.GetStatusMessage().IsError)
	require.Eventually(t, func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return !f.controller.connecting
	}, time.Second, 5*time.Millisecond)

	f.controller.target = ConnectTarget{NamePrefix: DefaultNamePrefix, ServiceUUID: "0000180d-0000-1000-8000-00805f9b34fb", CharacteristicUUID: CharUUIDNordicUART}
	f.session.options.ScanTimeout = 2 * time.Second
	f.controller.Connect()
	f.waitStatus(t, StatusConnectFailed)
}

func TestUIController_SaveConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		connect   bool
		failFrom  int
		values    map[string]string
		want      string
		wantError bool
	}{
		{name: "not connected", values: map[string]string{FieldSSIDPrimary: "x"}, want: StatusNoConnection, wantError: true, failFrom: -1},
		{name: "empty form", connect: true, values: map[string]string{FieldSSIDPrimary: ""}, want: StatusNothingToSend, failFrom: -1},
		{name: "write failure", connect: true, values: map[string]string{FieldSSIDPrimary: "Home"}, want: StatusWriteFailed, wantError: true, failFrom: 0},
		{name: "sent", connect: true, values: map[string]string{FieldSSIDPrimary: "Home", FieldPassPrimary: "pw"}, want: StatusConfigSent, failFrom: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUIFixture(t)
			if tt.connect {
				f.connect(t)
			}
			f.manager.ESP32().FailWritesFrom(tt.failFrom)

			f.controller.saveConfiguration(context.Background(), tt.values)

			status := f.model.GetStatusMessage()
			assert.Equal(t, tt.want, status.Text)
			assert.Equal(t, tt.wantError, status.IsError)
		})
	}
}

func TestUIController_SaveRemembersNonSecretValues(t *testing.T) {
	f := newUIFixture(t)
	f.connect(t)

	f.controller.SaveConfiguration(map[string]string{FieldSSIDPrimary: "Home", FieldPassPrimary: "pw"})
	f.waitStatus(t, StatusConfigSent)

	assert.Equal(t, map[string]string{FieldSSIDPrimary: "Home"}, f.model.GetInitialConfiguration())
	configs := f.manager.ESP32().Firmware().ReceivedConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, "pw", *configs[0].Fields.PassPrimary)
}

func TestUIController_Disconnect(t *testing.T) {
	f := newUIFixture(t)
	f.controller.Disconnect() // nothing to do
	f.connect(t)

	f.controller.Disconnect()

	assert.Equal(t, SessionDisconnected, f.session.Status().State)
	require.Eventually(t, func() bool {
		return f.model.GetConnection().State == SessionDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestUIController_ModeAndEscape(t *testing.T) {
	f := newUIFixture(t)
	closeChan := make(chan struct{}, 1)
	unregister := f.model.ListenToCloseApplication(closeChan)
	defer unregister()

	f.controller.OnModeChange(UIModeConfiguration)
	assert.Equal(t, UIModeConfiguration, f.model.GetUIState().Mode)

	f.controller.OnEscapeKey()
	select {
	case <-closeChan:
	case <-time.After(time.Second):
		t.Fatal("close not requested")
	}
}

func TestNewUIController_Panics(t *testing.T) {
	f := newUIFixture(t)
	assert.Panics(t, func() { NewUIController(nil, f.session, ConnectTarget{}, newTestLogger()) })
	assert.Panics(t, func() { NewUIController(f.model, nil, ConnectTarget{}, newTestLogger()) })
	assert.Panics(t, func() { NewUIController(f.model, f.session, ConnectTarget{}, nil) })
}
