package ble

import (
	goble "github.com/go-ble/ble"
)

type writer struct {
	characteristic *goble.Characteristic
	client         goble.Client
}

// Write performs a write-with-response so that a nil error means the arm accepted the frame.
func (w *writer) Write(frame []byte) (int, error) {
	if err := w.client.WriteCharacteristic(w.characteristic, frame, false); err != nil {
		return 0, err
	}
	return len(frame), nil
}
