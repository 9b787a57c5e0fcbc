//go:build darwin

package bt

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func NewGoBLEHost() (ble.Device, error) {
	d, err := darwin.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("open CoreBluetooth central: %w", err)
	}
	return d, nil
}
