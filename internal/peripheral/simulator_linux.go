//go:build linux

package peripheral

import (
	"context"
	"fmt"
	"log"
	"time"

	"tinygo.org/x/bluetooth"
)

type SimulatorOptions struct {
	LocalName          string
	ServiceUUID        string
	CharacteristicUUID string
	Interval           time.Duration
}

// Simulator advertises a Nordic UART style service from this host's adapter
// and behaves like the ESP32 firmware, so the console can be exercised over a
// real radio link with a second machine.
type Simulator struct {
	adapter        *bluetooth.Adapter
	logger         *log.Logger
	options        SimulatorOptions
	firmware       *Firmware
	characteristic bluetooth.Characteristic
}

func NewSimulator(adapter *bluetooth.Adapter, logger *log.Logger, options SimulatorOptions) *Simulator {
	if adapter == nil {
		panic("Simulator: adapter cannot be nil")
	}
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	if options.Interval <= 0 {
		options.Interval = TelemetryInterval
	}
	return &Simulator{
		adapter:  adapter,
		logger:   logger,
		options:  options,
		firmware: NewFirmware(logger),
	}
}

func (s *Simulator) Firmware() *Firmware {
	return s.firmware
}

// Run registers the service, advertises and notifies telemetry until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	serviceUuid, err := bluetooth.ParseUUID(s.options.ServiceUUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", s.options.ServiceUUID, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(s.options.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID %q: %w", s.options.CharacteristicUUID, err)
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			s.logger.Printf("Simulator: central connected: %s", device.Address.String())
			return
		}
		s.logger.Printf("Simulator: central disconnected: %s", device.Address.String())
		s.firmware.OnDisconnect()
	})
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: serviceUuid,
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: &s.characteristic,
			UUID:   characteristicUuid,
			Value:  []byte{},
			Flags: bluetooth.CharacteristicReadPermission |
				bluetooth.CharacteristicWritePermission |
				bluetooth.CharacteristicWriteWithoutResponsePermission |
				bluetooth.CharacteristicNotifyPermission,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				s.firmware.HandleWrite(value)
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	adv := s.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    s.options.LocalName,
		ServiceUUIDs: []bluetooth.UUID{serviceUuid},
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	s.logger.Printf("Simulator: advertising %q", s.options.LocalName)
	defer func() {
		if err := adv.Stop(); err != nil {
			s.logger.Printf("Simulator: error stopping advertisement: %v", err)
		}
	}()

	ticker := time.NewTicker(s.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			payload, err := s.firmware.NextTelemetry()
			if err != nil {
				s.logger.Printf("Simulator: encode telemetry: %v", err)
				continue
			}
			// Write notifies subscribed centrals
			if _, err := s.characteristic.Write(payload); err != nil {
				s.logger.Printf("Simulator: notify failed: %v", err)
				continue
			}
			s.logger.Printf("Simulator: sent %s", payload)
		}
	}
}
