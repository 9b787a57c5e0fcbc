package console

import (
	"fmt"
	"log"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Page names for tview.Pages
const (
	pageConsole       = "console"
	pageConfiguration = "configuration"
)

const formFieldWidth = 40

// CursesUIViewImpl implements UIViewImpl using tview (curses-based terminal UI)
type CursesUIViewImpl struct {
	logger      *log.Logger
	app         *tview.Application
	currentMode UIMode

	pages    *tview.Pages
	logView  *tview.TextView
	mainFlex *tview.Flex // mode content on left, logs on right

	// Console mode
	consoleFlex       *tview.Flex
	consoleTabWidgets []*tview.Box
	connectionPanel   *tview.TextView
	telemetryPanel    *tview.TextView

	// Configuration mode
	configurationFlex       *tview.Flex
	configurationTabWidgets []*tview.Box
	configForm              *tview.Form
	configInputs            map[string]*tview.InputField
	statusLine              *tview.TextView
}

func NewCursesUIView(logger *log.Logger, app *tview.Application) *CursesUIViewImpl {
	return &CursesUIViewImpl{
		logger:       logger,
		app:          app,
		currentMode:  UIModeConsole,
		configInputs: make(map[string]*tview.InputField),
	}
}

// Initialize sets up the tview widgets
func (ui *CursesUIViewImpl) Initialize(controller *UIController) {
	// No SetChangedFunc with app.Draw(): it can hang during shutdown while
	// log lines are still arriving. BaseUIView draws after each update.
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.pages = tview.NewPages()

	ui.initConsoleMode()
	ui.initConfigurationMode(controller)

	ui.pages.AddPage(pageConsole, ui.consoleFlex, true, true)
	ui.pages.AddPage(pageConfiguration, ui.configurationFlex, true, false)

	ui.mainFlex = tview.NewFlex().
		AddItem(ui.pages, 0, 1, true).
		AddItem(ui.logView, 0, 1, false)

	ui.setFocusForCurrentMode()
}

func (ui *CursesUIViewImpl) initConsoleMode() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructionsText.SetText("[yellow]C[white] Connect  |  [yellow]D[white] Disconnect  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit\n[yellow]1[white] Console  |  [yellow]2[white] Configuration")

	ui.connectionPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.connectionPanel.SetBorder(true).SetTitle(" Connection ")
	ui.UpdateConnection(SessionStatus{State: SessionDisconnected})

	ui.telemetryPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.telemetryPanel.SetBorder(true).SetTitle(" Telemetry ")
	ui.UpdateTelemetry(TelemetryRecord{})

	ui.consoleTabWidgets = []*tview.Box{ui.connectionPanel.Box, ui.telemetryPanel.Box}

	ui.consoleFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(ui.connectionPanel, 5, 0, true).
		AddItem(ui.telemetryPanel, 0, 1, false)
}

func (ui *CursesUIViewImpl) initConfigurationMode(controller *UIController) {
	ui.configForm = tview.NewForm()
	for _, field := range AllConfigFields {
		var input *tview.InputField
		if field.Masked {
			input = tview.NewInputField().
				SetLabel(field.Label).
				SetFieldWidth(formFieldWidth).
				SetMaskCharacter('*')
		} else {
			input = tview.NewInputField().
				SetLabel(field.Label).
				SetFieldWidth(formFieldWidth)
		}
		ui.configInputs[field.Key] = input
		ui.configForm.AddFormItem(input)
	}
	ui.configForm.AddButton("Save", func() {
		controller.SaveConfiguration(ui.configurationValues())
	})
	ui.configForm.SetBorder(true).SetTitle(" WiFi configuration ")

	ui.statusLine = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	ui.statusLine.SetBorder(true).SetTitle(" Status ")

	ui.configurationTabWidgets = []*tview.Box{ui.configForm.Box}

	ui.configurationFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.configForm, 0, 1, true).
		AddItem(ui.statusLine, 3, 0, false)
}

// configurationValues reads the form, keyed by field name.
func (ui *CursesUIViewImpl) configurationValues() map[string]string {
	values := make(map[string]string, len(ui.configInputs))
	for key, input := range ui.configInputs {
		values[key] = input.GetText()
	}
	return values
}

// SetConfigurationValues prefills the form. Keys not in values are cleared.
func (ui *CursesUIViewImpl) SetConfigurationValues(values map[string]string) {
	for key, input := range ui.configInputs {
		input.SetText(values[key])
	}
}

func (ui *CursesUIViewImpl) SetMode(mode UIMode) {
	if ui.currentMode == mode {
		return
	}

	ui.currentMode = mode

	switch mode {
	case UIModeConsole:
		ui.pages.SwitchToPage(pageConsole)
	case UIModeConfiguration:
		ui.pages.SwitchToPage(pageConfiguration)
	}

	ui.setFocusForCurrentMode()
}

func (ui *CursesUIViewImpl) GetCurrentMode() UIMode {
	return ui.currentMode
}

func (ui *CursesUIViewImpl) setFocusForCurrentMode() {
	switch ui.currentMode {
	case UIModeConsole:
		if len(ui.consoleTabWidgets) > 0 {
			ui.app.SetFocus(ui.consoleTabWidgets[0])
		}
	case UIModeConfiguration:
		ui.app.SetFocus(ui.configForm)
	}
}

// editingText reports whether keystrokes belong to a form input.
func (ui *CursesUIViewImpl) editingText() bool {
	_, ok := ui.app.GetFocus().(*tview.InputField)
	return ok
}

// SetupKeyboardHandlers sets up keyboard event handlers
func (ui *CursesUIViewImpl) SetupKeyboardHandlers(controller *UIController) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			controller.OnEscapeKey()
			return nil
		}

		// F1/F2 switch modes even while typing
		switch event.Key() {
		case tcell.KeyF1:
			controller.OnModeChange(UIModeConsole)
			return nil
		case tcell.KeyF2:
			controller.OnModeChange(UIModeConfiguration)
			return nil
		}

		if ui.currentMode == UIModeConfiguration {
			// the form moves focus between its own items
			if ui.editingText() || event.Key() == tcell.KeyTab || event.Key() == tcell.KeyBacktab {
				return event
			}
		}

		if event.Key() == tcell.KeyRune {
			if mode, ok := GetUIModeByKey(event.Rune()); ok {
				controller.OnModeChange(mode)
				return nil
			}
		}

		if event.Key() == tcell.KeyTab && ui.currentMode == UIModeConsole {
			widgets := ui.consoleTabWidgets
			for i, w := range widgets {
				if w.HasFocus() {
					ui.app.SetFocus(widgets[(i+1)%len(widgets)])
					return nil
				}
			}
			if len(widgets) > 0 {
				ui.app.SetFocus(widgets[0])
			}
			return nil
		}

		if event.Key() == tcell.KeyRune {
			switch event.Rune() {
			case 'c':
				controller.Connect()
				return nil
			case 'd':
				controller.Disconnect()
				return nil
			}
		}

		return event
	})
}

func (ui *CursesUIViewImpl) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *CursesUIViewImpl) ClearLogView() {
	ui.logView.Clear()
}

func (ui *CursesUIViewImpl) WriteLogLine(line string) error {
	_, err := fmt.Fprint(ui.logView, tview.Escape(line))
	return err
}

func (ui *CursesUIViewImpl) UpdateConnection(status SessionStatus) {
	if ui.connectionPanel == nil {
		return
	}
	ui.connectionPanel.SetText(formatConnectionText(status))
}

func (ui *CursesUIViewImpl) UpdateTelemetry(record TelemetryRecord) {
	if ui.telemetryPanel == nil {
		return
	}
	ui.telemetryPanel.SetText(formatTelemetryText(record))
}

func (ui *CursesUIViewImpl) UpdateStatusMessage(message StatusMessage) {
	if ui.statusLine == nil {
		return
	}
	switch {
	case message.Text == "":
		ui.statusLine.SetText("")
	case message.IsError:
		ui.statusLine.SetText(" [red]" + tview.Escape(message.Text) + "[white]")
	default:
		ui.statusLine.SetText(" [green]" + tview.Escape(message.Text) + "[white]")
	}
}

func (ui *CursesUIViewImpl) Draw() error {
	ui.app.Draw()
	return nil
}

// Run starts the UI and blocks until it exits
func (ui *CursesUIViewImpl) Run() error {
	// SetRoot must come before SetFocus or focus is reset
	ui.app.SetRoot(ui.mainFlex, true)
	ui.setFocusForCurrentMode()
	return ui.app.Run()
}

func (ui *CursesUIViewImpl) Stop() {
	ui.app.Stop()
}

func formatConnectionText(status SessionStatus) string {
	switch status.State {
	case SessionConnected:
		return fmt.Sprintf("\n [green]●[white] Connected to %s\n   [gray]%s[white]", tview.Escape(status.DeviceName), tview.Escape(status.Address))
	case SessionConnecting:
		return "\n [yellow]●[white] Connecting..."
	default:
		if status.LinkLost {
			return "\n [red]●[white] " + StatusDisconnected + " Press [yellow]C[white] to connect."
		}
		return "\n [gray]●[white] Not connected. Press [yellow]C[white] to connect."
	}
}

func formatTelemetryText(record TelemetryRecord) string {
	if record.IsEmpty() {
		return "\n  [gray]Waiting for data...[white]"
	}
	var sb strings.Builder
	sb.WriteString("\n")
	for _, e := range record.Entries {
		fmt.Fprintf(&sb, "  [gray]%s:[white] [yellow]%s[white]\n", tview.Escape(e.Key), tview.Escape(e.Value))
	}
	if !record.ReceivedAt.IsZero() {
		fmt.Fprintf(&sb, "\n  [gray]updated %s[white]\n", record.ReceivedAt.Format("15:04:05"))
	}
	return sb.String()
}
