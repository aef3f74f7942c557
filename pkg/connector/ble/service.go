package ble

import (
	"fmt"
	"io"
	"strings"

	goble "github.com/go-ble/ble"

	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
)

type service struct {
	client          goble.Client
	service         *goble.Service
	characteristics map[string]*goble.Characteristic
}

func (s *service) Rx(uuid string, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return err
	}
	// The arm notifies rather than indicates status changes.
	if err := s.client.Subscribe(characteristic, false, callback); err != nil {
		return fmt.Errorf("ble: failed to subscribe to %s: %s", uuid, err)
	}
	return nil
}

func (s *service) Tx(uuid string) (io.Writer, error) {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return nil, err
	}
	return &writer{characteristic: characteristic, client: s.client}, nil
}

func (s *service) Read(uuid string) ([]byte, error) {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return nil, err
	}
	if characteristic.Property&goble.CharRead == 0 {
		return nil, connector.ErrReadUnsupported
	}
	value, err := s.client.ReadCharacteristic(characteristic)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to read %s: %s", uuid, err)
	}
	return value, nil
}

func (s *service) discover(uuidStr string) (*goble.Characteristic, error) {
	key := strings.ToLower(uuidStr)
	if characteristic, ok := s.characteristics[key]; ok {
		return characteristic, nil
	}

	uuid, err := goble.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid characteristic UUID %s: %s", uuidStr, err)
	}
	characteristics, err := s.client.DiscoverCharacteristics([]goble.UUID{uuid}, s.service)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to discover service characteristics: %s", err)
	}

	var characteristic *goble.Characteristic
	for _, char := range characteristics {
		if char.UUID.Equal(uuid) {
			characteristic = char
			break
		}
	}
	if characteristic == nil {
		return nil, fmt.Errorf("ble: characteristic %s not found", uuidStr)
	}

	// Subscribing needs the CCCD, which is only known after descriptor discovery.
	if _, err := s.client.DiscoverDescriptors(nil, characteristic); err != nil {
		return nil, fmt.Errorf("ble: couldn't fetch descriptors: %s", err)
	}

	s.characteristics[key] = characteristic
	return characteristic, nil
}
