// Package ble implements a central-role BLE GATT transport to a single
// Chargie device: scan by service UUID, connect, discover the write/notify
// characteristic, and serialize AT command/response exchanges over it.
package ble

import "time"

// CharacteristicDescriptor records the properties a discovered GATT
// characteristic is expected to carry. The device exposes exactly one
// characteristic used for both directions of the AT protocol.
type CharacteristicDescriptor struct {
	UUID        string
	Name        string
	IsWritable  bool
	IsNotifying bool
}

// CharCommand is the single write+notify characteristic carrying AT
// commands out and OK+ responses (and unsolicited pushes) back.
var CharCommand = CharacteristicDescriptor{
	UUID:        "0000ffe1-0000-1000-8000-00805f9b34fb",
	Name:        "Chargie Command",
	IsWritable:  true,
	IsNotifying: true,
}

// ConnectionState mirrors the transport's connection lifecycle. State
// callbacks only fire on an actual transition, never on a repeated report
// of the same state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
)

// String renders the state the way it appears in log lines and snapshots.
func (s ConnectionState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Timing constants for the command/response exchange and connection setup.
const (
	commandSpacing  = 100 * time.Millisecond
	connectTimeout  = 15 * time.Second
	responseTimeout = 5 * time.Second
	scanTimeout     = 20 * time.Second
)

// StateChangeFunc is notified whenever the transport's ConnectionState
// changes.
type StateChangeFunc func(ConnectionState)

// UnsolicitedFunc is notified of any notification payload received while no
// command is awaiting a matching response (e.g. a spontaneous status push).
type UnsolicitedFunc func(raw string)
