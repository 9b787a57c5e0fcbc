package console

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/esp32-console/internal/events"
	"github.com/lowaak/esp32-console/internal/go_func_utils"
)

// UIState holds the current state of the UI that views need to render
type UIState struct {
	Mode UIMode
}

// StatusMessage is the transient line under the configuration form. An empty
// Text means nothing is shown.
type StatusMessage struct {
	Text    string
	IsError bool
}

type UIModel struct {
	logEvent              *events.ChannelEvent[string]
	closeApplicationEvent *events.ChannelEvent[struct{}]
	uiStateEvent          *events.ChannelEvent[UIState]
	uiState               UIState
	connectionEvent       *events.ChannelEvent[SessionStatus]
	connection            SessionStatus
	telemetryEvent        *events.ChannelEvent[TelemetryRecord]
	telemetry             TelemetryRecord
	statusEvent           *events.ChannelEvent[StatusMessage]
	status                StatusMessage
	statusGeneration      uint64
	statusTimer           *time.Timer
	statusDuration        time.Duration
	persistence           *UIModelPersistence
	logLines              []string
	logMu                 sync.RWMutex
	mu                    sync.RWMutex
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

const maxLogLines = 1000

// NewUIModel follows the session's state and telemetry streams. persistence
// may be nil.
func NewUIModel(session *Session, persistence *UIModelPersistence, logger *log.Logger, uiLogChan <-chan string) *UIModel {
	if session == nil {
		panic("UIModel: session cannot be nil")
	}
	if logger == nil {
		panic("UIModel: logger cannot be nil")
	}
	if uiLogChan == nil {
		panic("UIModel: uiLogChan cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	model := &UIModel{
		logEvent:              events.NewChannelEvent[string](false),
		closeApplicationEvent: events.NewChannelEvent[struct{}](true),
		uiStateEvent:          events.NewChannelEvent[UIState](true),
		uiState:               UIState{Mode: UIModeConsole},
		connectionEvent:       events.NewChannelEvent[SessionStatus](true),
		connection:            SessionStatus{State: SessionDisconnected},
		telemetryEvent:        events.NewChannelEvent[TelemetryRecord](true),
		statusEvent:           events.NewChannelEvent[StatusMessage](true),
		statusDuration:        StatusMessageDuration,
		persistence:           persistence,
		logLines:              make([]string, 0, maxLogLines),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}

	model.uiStateEvent.Notify(model.uiState)
	model.statusEvent.Notify(StatusMessage{})

	stateChan := session.SubscribeState(ctx)
	go_func_utils.GoTracked(logger, &model.wg, func() { model.followSessionState(ctx, stateChan) })

	telemetryChan := session.SubscribeTelemetry(ctx)
	go_func_utils.GoTracked(logger, &model.wg, func() { model.followTelemetry(ctx, telemetryChan) })

	go_func_utils.GoTracked(logger, &model.wg, func() { model.readFromLogChannel(ctx, uiLogChan) })

	return model
}

// Shutdown stops all goroutines and waits for them to finish
func (m *UIModel) Shutdown() {
	m.logger.Println("UIModel: Shutting down")
	m.cancel()
	m.mu.Lock()
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Println("UIModel: Shutdown complete")
}

// ListenToLog registers a channel to receive log messages
// Returns a deregistration function that can be called to remove the listener
func (m *UIModel) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

// ListenToCloseApplication registers a channel to receive close application signals
func (m *UIModel) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeApplicationEvent.Listen(ch)
}

// RequestCloseApplication signals that the application should close
func (m *UIModel) RequestCloseApplication() {
	m.closeApplicationEvent.Notify(struct{}{})
}

// ListenToUIState registers a channel to receive UI state changes
func (m *UIModel) ListenToUIState(ch chan<- UIState) func() {
	return m.uiStateEvent.Listen(ch)
}

// GetUIState returns the current UI state
func (m *UIModel) GetUIState() UIState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uiState
}

// SetMode updates the current UI mode and notifies listeners
func (m *UIModel) SetMode(mode UIMode) {
	m.mu.Lock()
	if m.uiState.Mode == mode {
		m.mu.Unlock()
		return
	}
	m.uiState.Mode = mode
	state := m.uiState
	m.mu.Unlock()

	m.uiStateEvent.Notify(state)
}

func (m *UIModel) ListenToConnection(ch chan<- SessionStatus) func() {
	return m.connectionEvent.Listen(ch)
}

func (m *UIModel) GetConnection() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connection
}

func (m *UIModel) ListenToTelemetry(ch chan<- TelemetryRecord) func() {
	return m.telemetryEvent.Listen(ch)
}

// GetTelemetry returns the last record shown, which survives bad
// notifications and disconnects.
func (m *UIModel) GetTelemetry() TelemetryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.telemetry
}

func (m *UIModel) ListenToStatusMessage(ch chan<- StatusMessage) func() {
	return m.statusEvent.Listen(ch)
}

func (m *UIModel) GetStatusMessage() StatusMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatusMessage shows text until it is replaced or StatusMessageDuration
// passes.
func (m *UIModel) SetStatusMessage(text string, isError bool) {
	m.mu.Lock()
	m.statusGeneration++
	generation := m.statusGeneration
	m.status = StatusMessage{Text: text, IsError: isError}
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	m.statusTimer = time.AfterFunc(m.statusDuration, func() { m.expireStatusMessage(generation) })
	status := m.status
	m.mu.Unlock()

	if isError {
		m.logger.Printf("UIModel: status (error): %s", text)
	} else {
		m.logger.Printf("UIModel: status: %s", text)
	}
	m.statusEvent.Notify(status)
}

func (m *UIModel) expireStatusMessage(generation uint64) {
	m.mu.Lock()
	if generation != m.statusGeneration || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.status = StatusMessage{}
	m.mu.Unlock()
	m.statusEvent.Notify(StatusMessage{})
}

// GetInitialConfiguration returns the form values to prefill.
func (m *UIModel) GetInitialConfiguration() map[string]string {
	if m.persistence == nil {
		return map[string]string{}
	}
	return m.persistence.GetLastConfiguration()
}

// RememberConfiguration stores the non-secret values of a sent configuration.
func (m *UIModel) RememberConfiguration(values map[string]string) {
	if m.persistence == nil {
		return
	}
	m.persistence.SetLastConfiguration(values)
}

func (m *UIModel) followSessionState(ctx context.Context, stateChan <-chan SessionStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-stateChan:
			if !ok {
				return
			}
			m.mu.Lock()
			m.connection = status
			m.mu.Unlock()
			m.connectionEvent.Notify(status)

			if status.LinkLost {
				m.SetStatusMessage(StatusDisconnected, true)
			}
		}
	}
}

func (m *UIModel) followTelemetry(ctx context.Context, telemetryChan <-chan TelemetryRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-telemetryChan:
			if !ok {
				return
			}
			m.mu.Lock()
			m.telemetry = record
			m.mu.Unlock()
			m.telemetryEvent.Notify(record)
		}
	}
}

// readFromLogChannel reads log lines from the channel and populates logLines
func (m *UIModel) readFromLogChannel(ctx context.Context, logChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns the last n lines of logs
func (m *UIModel) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n >= len(m.logLines) {
		result := make([]string, len(m.logLines))
		copy(result, m.logLines)
		return result
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}
