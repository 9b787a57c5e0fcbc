package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/esp32-console/internal/appconfig"
	"github.com/lowaak/esp32-console/internal/applog"
	"github.com/lowaak/esp32-console/internal/bt"
	"github.com/lowaak/esp32-console/internal/console"
	"github.com/lowaak/esp32-console/internal/mqttbridge"
)

const (
	uiLogBuffer        = 256
	mqttConnectTimeout = 10 * time.Second
)

func newManager(cfg appconfig.Config, logger *log.Logger) (bt.BTManagerInterface, error) {
	switch cfg.Backend {
	case appconfig.BackendMock:
		return console.NewMockBTManager(logger, console.MockBTManagerOptions{ServerPort: cfg.MockPort}), nil
	case appconfig.BackendGoBLE:
		host, err := bt.NewGoBLEHost()
		if err != nil {
			return nil, err
		}
		return bt.NewGoBLEManager(host, logger, cfg.ScanTimeout, cfg.ConnectTimeout), nil
	default:
		return bt.NewBTManager(bluetooth.DefaultAdapter, logger, cfg.ScanTimeout), nil
	}
}

func newPublisher(cfg appconfig.Config, session *console.Session, logger *log.Logger) *mqttbridge.Publisher {
	if cfg.MQTT.Broker == "" {
		return nil
	}
	publisher := mqttbridge.NewPublisher(mqttbridge.Options{
		Broker:    cfg.MQTT.Broker,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  cfg.MQTT.ClientID,
		RootTopic: cfg.MQTT.RootTopic,
	}, logger)
	ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
	defer cancel()
	// the client keeps retrying in the background
	if err := publisher.Connect(ctx); err != nil {
		logger.Printf("MQTT: %v", err)
	}
	publisher.Start(session)
	return publisher
}

func main() {
	fs := appconfig.NewFlagSet(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := appconfig.FromFlags(fs)
	must("load configuration", err)

	appLogger, err := applog.New(applog.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		UIBuffer:   uiLogBuffer,
	})
	must("open log", err)
	defer appLogger.Close()
	logger := appLogger.Logger
	if cfg.ConfigFile != "" {
		logger.Printf("Main: configuration read from %s", cfg.ConfigFile)
	}

	manager, err := newManager(cfg, logger)
	must("create BLE backend", err)
	must("enable BLE stack", manager.Enable())

	persistence := console.NewUIModelPersistence(cfg.StateDir, logger)
	session := console.NewSession(manager, logger, console.SessionOptions{
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Preferences:    persistence,
	})
	publisher := newPublisher(cfg, session, logger)

	model := console.NewUIModel(session, persistence, logger, appLogger.UIChannel())
	controller := console.NewUIController(model, session, cfg.Target(), logger)
	view := console.NewBaseUIView(console.NewBaseUIViewArg{
		UIViewImpl:   console.NewCursesUIView(logger, tview.NewApplication()),
		UIModel:      model,
		UIController: controller,
		Logger:       logger,
	})

	runErr := view.Run()

	view.Shutdown()
	controller.Shutdown()
	model.Shutdown()
	if publisher != nil {
		publisher.Stop()
	}
	session.Shutdown()
	manager.Shutdown()
	if dropped := appLogger.Dropped(); dropped > 0 {
		logger.Printf("Main: %d log lines did not reach the log pane", dropped)
	}

	must("run UI", runErr)
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
