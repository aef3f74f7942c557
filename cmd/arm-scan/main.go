package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector/ble"
)

var (
	hciDevice = flag.Int("hci", 0, "Index of the Bluetooth adapter to use (0 for hci0)")
	duration  = flag.Duration("duration", 0, "Stop scanning after this long (default: until interrupted)")
	armOnly   = flag.Bool("arm-only", false, "Only report peripherals advertising as the arm")
)

func main() {
	flag.Parse()
	log.SetLevel(log.LevelDebug)

	log.Info("Trying to use BLE adapter: hci%d", *hciDevice)
	adapter, err := ble.NewAdapter(*hciDevice)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			log.Error("Failed to initialize BLE device: %v (try granting CAP_NET_ADMIN)", err)
		} else {
			log.Error("Failed to initialize BLE device: %v", err)
		}
		return
	}
	defer adapter.Close()
	log.Info("BLE adapter initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *duration > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, *duration)
		defer timeoutCancel()
	}

	var lock sync.Mutex
	seen := make(map[string]bool)
	log.Info("Scanning for BLE devices until interrupted")
	err = adapter.Scan(ctx, func(p *connector.Peripheral) {
		isArm := p.LocalName == ble.ArmLocalName || strings.EqualFold(p.Address, ble.DefaultAddress)
		if *armOnly && !isArm {
			return
		}
		lock.Lock()
		first := !seen[p.Address]
		seen[p.Address] = true
		lock.Unlock()
		if !first && !isArm {
			return
		}
		if isArm {
			log.Info("ARM  %s %q RSSI %d connectable=%t", p.Address, p.LocalName, p.RSSI, p.Connectable)
		} else {
			log.Debug("     %s %q RSSI %d connectable=%t", p.Address, p.LocalName, p.RSSI, p.Connectable)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("Scan failed: %v", err)
		return
	}
	lock.Lock()
	log.Info("Stopping scan; saw %d peripherals", len(seen))
	lock.Unlock()
}
