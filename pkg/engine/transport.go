package engine

import (
	"context"

	"github.com/chargie-project/chargied/pkg/ble"
)

// Transport is the subset of *ble.Transport the engine depends on. Defining
// it here (rather than importing the concrete type directly into every
// call site) keeps the engine testable against a fake without touching any
// real BLE adapter.
type Transport interface {
	OnStateChange(fn ble.StateChangeFunc)
	OnUnsolicited(fn ble.UnsolicitedFunc)
	State() ble.ConnectionState
	DeviceName() string
	Scan(ctx context.Context) (addr string, found bool, err error)
	Connect(ctx context.Context, addr string) error
	Disconnect() error
	SendCommand(ctx context.Context, command string) (string, error)
}

// BatteryReader is the subset of *battery.Reader the engine depends on.
type BatteryReader interface {
	ReadPercent() *int
	ReadStatus() *string
}
