package ble

import (
	"context"
	"errors"
	"fmt"

	goble "github.com/go-ble/ble"

	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
)

type device struct {
	client goble.Client
}

func (d *device) Service(_ context.Context, uuid string) (connector.Service, error) {
	serviceUUID, err := goble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid service UUID %s: %s", uuid, err)
	}
	services, err := d.client.DiscoverServices([]goble.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %s", err)
	}
	for _, s := range services {
		if s.UUID.Equal(serviceUUID) {
			return &service{client: d.client, service: s, characteristics: make(map[string]*goble.Characteristic)}, nil
		}
	}
	return nil, fmt.Errorf("ble: failed to discover service %s", uuid)
}

func (d *device) Disconnected() <-chan struct{} {
	return d.client.Disconnected()
}

func (d *device) Close() error {
	err1 := d.client.ClearSubscriptions()
	err2 := d.client.CancelConnection()
	return errors.Join(err1, err2)
}
