// Package ble connects to the arm over Bluetooth Low Energy using the go-ble HCI stack.
//
// The arm exposes one GATT service with two characteristics: a writable command characteristic
// that accepts short UTF-8 frames, and a status characteristic that notifies a single readiness
// byte. The adapter returned by [NewAdapter] implements [connector.Adapter]; a link session
// drives it.
package ble

import (
	"time"
)

const (
	ArmServiceUUID = "19B10000-E8F2-537E-4F6C-D104768A1214"
	CommandUUID    = "19B10001-E8F2-537E-4F6C-D104768A1214"
	StatusUUID     = "19B10002-E8F2-537E-4F6C-D104768A1214"

	// DefaultAddress is the MAC address of the lab arm.
	DefaultAddress = "F4:12:FA:6F:91:21"
	// ArmLocalName is the name the arm firmware advertises.
	ArmLocalName = "BraccioRobot_BLE"
)

const bleTimeout = 20 * time.Second
