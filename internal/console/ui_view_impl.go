package console

// UIViewImpl defines the interface for framework-specific UI implementations
type UIViewImpl interface {
	// Initialize is called after construction to set up framework-specific widgets
	Initialize(controller *UIController)

	SetupKeyboardHandlers(controller *UIController)

	// Run starts the UI framework and blocks until it exits
	Run() error

	Stop()

	// Draw refreshes/redraws the UI
	Draw() error

	// --- Mode Management ---

	SetMode(mode UIMode)
	GetCurrentMode() UIMode

	// --- Log View (shared across modes) ---

	GetLogViewHeight() int
	ClearLogView()
	WriteLogLine(line string) error

	// --- Console Mode ---

	UpdateConnection(status SessionStatus)
	UpdateTelemetry(record TelemetryRecord)

	// --- Configuration Mode ---

	SetConfigurationValues(values map[string]string)
	UpdateStatusMessage(message StatusMessage)
}
