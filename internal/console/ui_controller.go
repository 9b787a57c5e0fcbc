package console

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lowaak/esp32-console/internal/go_func_utils"
)

// ConnectTarget is what the Connect key looks for.
type ConnectTarget struct {
	NamePrefix         string
	ServiceUUID        string
	CharacteristicUUID string
}

// UIController handles UI events and coordinates the session with the UIModel
type UIController struct {
	model   *UIModel
	session *Session
	target  ConnectTarget
	logger  *log.Logger
	// guards connecting
	mu         sync.Mutex
	connecting bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewUIController(model *UIModel, session *Session, target ConnectTarget, logger *log.Logger) *UIController {
	if model == nil {
		panic("UIController: model cannot be nil")
	}
	if session == nil {
		panic("UIController: session cannot be nil")
	}
	if logger == nil {
		panic("UIController: logger cannot be nil")
	}
	if target.NamePrefix == "" {
		target.NamePrefix = DefaultNamePrefix
	}
	if target.ServiceUUID == "" {
		target.ServiceUUID = ServiceUUIDNordicUART
	}
	if target.CharacteristicUUID == "" {
		target.CharacteristicUUID = CharUUIDNordicUART
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UIController{
		model:   model,
		session: session,
		target:  target,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect starts a connection attempt in the background. The outcome shows
// up as session state and, on failure, as a status message.
func (c *UIController) Connect() {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		c.logger.Printf("Connection attempt already running")
		return
	}
	c.connecting = true
	c.mu.Unlock()

	go_func_utils.GoTracked(c.logger, &c.wg, func() {
		defer func() {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
		}()
		c.connect(c.ctx)
	})
}

func (c *UIController) connect(ctx context.Context) {
	c.logger.Printf("Looking for devices named %s*", c.target.NamePrefix)
	handle, err := c.session.Connect(ctx, c.target.NamePrefix, c.target.ServiceUUID, c.target.CharacteristicUUID)
	if err != nil {
		c.logger.Printf("Connection failed: %v", err)
		switch {
		case errors.Is(err, ErrAlreadyConnected):
			c.model.SetStatusMessage(StatusAlreadyConnected, false)
		case errors.Is(err, ErrDeviceNotFound):
			c.model.SetStatusMessage(StatusDeviceNotFound, true)
		default:
			c.model.SetStatusMessage(StatusConnectFailed, true)
		}
		return
	}
	c.logger.Printf("Connected to %s", handle.DeviceName())
}

// Disconnect drops the current connection, if any.
func (c *UIController) Disconnect() {
	if c.session.Status().State == SessionDisconnected {
		c.logger.Printf("No device connected")
		return
	}
	if err := c.session.Disconnect(); err != nil {
		c.logger.Printf("Disconnect failed: %v", err)
	}
}

// SaveConfiguration sends the form values in the background. Empty fields
// are left out.
func (c *UIController) SaveConfiguration(values map[string]string) {
	go_func_utils.GoTracked(c.logger, &c.wg, func() {
		c.saveConfiguration(c.ctx, values)
	})
}

func (c *UIController) saveConfiguration(ctx context.Context, values map[string]string) {
	if c.session.Handle() == nil {
		c.model.SetStatusMessage(StatusNoConnection, true)
		return
	}
	record := NewConfigRecord(values)
	if record.IsEmpty() {
		c.model.SetStatusMessage(StatusNothingToSend, false)
		return
	}

	if err := c.session.Send(ctx, record); err != nil {
		c.logger.Printf("Configuration send failed: %v", err)
		if errors.Is(err, ErrNotConnected) {
			c.model.SetStatusMessage(StatusNoConnection, true)
			return
		}
		c.model.SetStatusMessage(StatusWriteFailed, true)
		return
	}
	c.model.RememberConfiguration(values)
	c.model.SetStatusMessage(StatusConfigSent, false)
}

// OnModeChange handles when the user requests a mode change
func (c *UIController) OnModeChange(mode UIMode) {
	if info, ok := GetUIModeInfo(mode); ok {
		c.logger.Printf("Switching to %s mode", info.DisplayName)
	}
	c.model.SetMode(mode)
}

// OnEscapeKey handles when the Escape key is pressed
func (c *UIController) OnEscapeKey() {
	c.model.RequestCloseApplication()
}

// Shutdown cancels a running connect or send and waits for it.
func (c *UIController) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
