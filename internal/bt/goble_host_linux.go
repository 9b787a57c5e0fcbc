//go:build linux

package bt

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// NewGoBLEHost opens the default HCI device. It needs CAP_NET_ADMIN or root.
func NewGoBLEHost() (ble.Device, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("open HCI device: %w", err)
	}
	return d, nil
}
