package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goble "github.com/go-ble/ble"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
)

// NewAdapter opens the HCI device with the given index (0 for hci0).
func NewAdapter(hciID int) (connector.Adapter, error) {
	device, err := newDevice(hciID)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to open hci%d: %s", hciID, err)
	}
	log.Debug("Opened BLE adapter hci%d", hciID)
	return &adapter{device: device}, nil
}

type adapter struct {
	lock   sync.Mutex
	device goble.Device
}

func (a *adapter) dev() (goble.Device, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.device == nil {
		return nil, errors.New("ble: adapter closed")
	}
	return a.device, nil
}

func (a *adapter) Scan(ctx context.Context, handler func(*connector.Peripheral)) error {
	hci, err := a.dev()
	if err != nil {
		return err
	}
	err = hci.Scan(ctx, false, func(adv goble.Advertisement) {
		handler(advertisementToPeripheral(adv))
	})
	// go-ble only stops scanning when ctx is done, and reports that as an error.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

func (a *adapter) Connect(ctx context.Context, peripheral *connector.Peripheral) (connector.Device, error) {
	hci, err := a.dev()
	if err != nil {
		return nil, err
	}
	log.Debug("Dialing %s (%s)...", peripheral.Address, peripheral.LocalName)
	client, err := hci.Dial(ctx, goble.NewAddr(peripheral.Address))
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %s", peripheral.Address, err)
	}
	return &device{client: client}, nil
}

func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.device == nil {
		return nil
	}
	hci := a.device
	a.device = nil
	return hci.Stop()
}

func advertisementToPeripheral(a goble.Advertisement) *connector.Peripheral {
	return &connector.Peripheral{
		Address:     a.Addr().String(),
		LocalName:   a.LocalName(),
		RSSI:        int16(a.RSSI()),
		Connectable: a.Connectable(),
	}
}
