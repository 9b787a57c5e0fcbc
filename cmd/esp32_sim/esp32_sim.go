//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/esp32-console/internal/applog"
	"github.com/lowaak/esp32-console/internal/console"
	"github.com/lowaak/esp32-console/internal/peripheral"
)

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	name := fs.String("name", "ESP32_Device", "advertised local name")
	serviceUUID := fs.String("service-uuid", console.ServiceUUIDNordicUART, "UART service UUID")
	characteristicUUID := fs.String("characteristic-uuid", console.CharUUIDNordicUART, "UART characteristic UUID")
	interval := fs.Duration("interval", peripheral.TelemetryInterval, "telemetry interval")
	logFile := fs.String("log-file", "", "also log to this file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	appLogger, err := applog.New(applog.Options{File: *logFile, MaxSizeMB: 5, MaxBackups: 3, Output: os.Stderr})
	must("open log", err)
	defer appLogger.Close()
	logger := appLogger.Logger

	simulator := peripheral.NewSimulator(bluetooth.DefaultAdapter, logger, peripheral.SimulatorOptions{
		LocalName:          *name,
		ServiceUUID:        *serviceUUID,
		CharacteristicUUID: *characteristicUUID,
		Interval:           *interval,
	})
	simulator.Firmware().ListenToConfigs(func(rc peripheral.ReceivedConfig) {
		logger.Printf("Main: configuration received with keys %v, restart would follow", rc.Fields.Keys())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	must("run simulator", simulator.Run(ctx))
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
