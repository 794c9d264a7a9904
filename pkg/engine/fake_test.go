package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/chargie-project/chargied/pkg/ble"
)

// fakeTransport is a scriptable stand-in for *ble.Transport used across the
// engine's lifecycle and enforcement tests.
type fakeTransport struct {
	mu sync.Mutex

	scanAddr  string
	scanFound bool
	scanErr   error

	connectErr error

	// responses maps a command to the response it should return; missing
	// entries return an error, simulating a device that doesn't answer.
	responses map[string]string
	sendErr   map[string]error
	sendLog   []string

	stateChangeFns []ble.StateChangeFunc
	unsolicitedFns []ble.UnsolicitedFunc

	name string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]string),
		sendErr:   make(map[string]error),
	}
}

func (f *fakeTransport) OnStateChange(fn ble.StateChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateChangeFns = append(f.stateChangeFns, fn)
}

func (f *fakeTransport) OnUnsolicited(fn ble.UnsolicitedFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsolicitedFns = append(f.unsolicitedFns, fn)
}

func (f *fakeTransport) State() ble.ConnectionState { return ble.StateDisconnected }
func (f *fakeTransport) DeviceName() string          { return f.name }

func (f *fakeTransport) Scan(ctx context.Context) (string, bool, error) {
	return f.scanAddr, f.scanFound, f.scanErr
}

func (f *fakeTransport) Connect(ctx context.Context, addr string) error {
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error {
	return nil
}

func (f *fakeTransport) fireDisconnected() {
	f.mu.Lock()
	fns := append([]ble.StateChangeFunc{}, f.stateChangeFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ble.StateDisconnected)
	}
}

func (f *fakeTransport) SendCommand(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.sendLog = append(f.sendLog, command)
	resp, hasResp := f.responses[command]
	err, hasErr := f.sendErr[command]
	f.mu.Unlock()

	if hasErr {
		return "", err
	}
	if !hasResp {
		return "", fmt.Errorf("fakeTransport: no scripted response for %s", command)
	}
	return resp, nil
}

// fakeBattery is a scriptable stand-in for *battery.Reader.
type fakeBattery struct {
	mu      sync.Mutex
	percent *int
	status  *string
}

func (f *fakeBattery) ReadPercent() *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.percent
}

func (f *fakeBattery) ReadStatus() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBattery) setPercent(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percent = &p
}

func (f *fakeBattery) setStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = &s
}

func intPtr(v int) *int { return &v }
