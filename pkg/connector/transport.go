package connector

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrReadUnsupported is returned by Service.Read when a characteristic cannot be read.
	ErrReadUnsupported = errors.New("characteristic does not support reads")
	// ErrScanEnded is returned by Discover if the adapter stops scanning before the peripheral
	// advertises.
	ErrScanEnded = errors.New("scan stopped before the peripheral advertised")
)

// Peripheral describes an advertising device found while scanning.
type Peripheral struct {
	Address     string
	LocalName   string
	RSSI        int16
	Connectable bool
}

// Adapter is the host-side radio. Backends translate a specific library into this interface.
type Adapter interface {
	// Scan reports advertisements to handler until ctx is done.
	Scan(ctx context.Context, handler func(*Peripheral)) error
	Connect(ctx context.Context, peripheral *Peripheral) (Device, error)
	Close() error
}

// Device is a connected peripheral.
type Device interface {
	Service(ctx context.Context, uuid string) (Service, error)
	// Disconnected is closed when the peripheral drops the connection.
	Disconnected() <-chan struct{}
	Close() error
}

// Service is a GATT service on a connected Device.
type Service interface {
	// Rx subscribes to notifications on a characteristic. The callback runs on a transport
	// goroutine and must not block.
	Rx(uuid string, callback func(buf []byte)) error
	Tx(uuid string) (io.Writer, error)
	Read(uuid string) ([]byte, error)
}

// Discover scans until a peripheral with the given address advertises or ctx expires.
func Discover(ctx context.Context, adapter Adapter, address string) (*Peripheral, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan *Peripheral, 1)
	err := adapter.Scan(scanCtx, func(p *Peripheral) {
		if !strings.EqualFold(p.Address, address) {
			return
		}
		select {
		case found <- p:
			cancel()
		default:
			// Already found
		}
	})

	select {
	case p := <-found:
		return p, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, ErrScanEnded
}
