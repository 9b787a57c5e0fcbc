//go:build !linux && !darwin

package bt

import (
	"errors"
	"runtime"

	"github.com/go-ble/ble"
)

func NewGoBLEHost() (ble.Device, error) {
	return nil, errors.New("the goble backend is not available on " + runtime.GOOS)
}
