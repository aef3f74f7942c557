//go:build !linux

package ble

import (
	"errors"

	goble "github.com/go-ble/ble"
)

func newDevice(_ int) (goble.Device, error) {
	return nil, errors.New("ble: only Linux HCI adapters are supported")
}
