package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chargie-project/chargied/pkg/protocol"
)

// Transport is a central-role GATT connection to one Chargie device. It
// serializes command/response exchanges behind a single lock and routes
// anything that doesn't match an in-flight command to the unsolicited
// callbacks instead of dropping it.
type Transport struct {
	adapter *bluetooth.Adapter

	mu        sync.RWMutex
	state     ConnectionState
	device    *bluetooth.Device
	cmdChar   bluetooth.DeviceCharacteristic
	connected bool

	onStateChange []StateChangeFunc
	onUnsolicited []UnsolicitedFunc

	sendMu      sync.Mutex
	responses   chan string
	deviceAddr  string
	deviceName  string
}

// New wraps the platform's default BLE adapter. Enable must succeed before
// any scan or connect call; a failure here usually means no BLE radio is
// present or it's held by another process.
func New() (*Transport, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return &Transport{
		adapter:   adapter,
		responses: make(chan string, 1),
	}, nil
}

// OnStateChange registers a callback fired on every connection state
// transition.
func (t *Transport) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = append(t.onStateChange, fn)
}

// OnUnsolicited registers a callback fired for notification payloads that
// don't match any command currently awaiting a response.
func (t *Transport) OnUnsolicited(fn UnsolicitedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUnsolicited = append(t.onUnsolicited, fn)
}

// State returns the transport's current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// DeviceName returns the advertised local name of the connected device, if
// any.
func (t *Transport) DeviceName() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deviceName
}

func (t *Transport) setState(s ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	callbacks := append([]StateChangeFunc(nil), t.onStateChange...)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(s)
	}
}

func (t *Transport) fireUnsolicited(raw string) {
	t.mu.RLock()
	callbacks := append([]UnsolicitedFunc(nil), t.onUnsolicited...)
	t.mu.RUnlock()
	for _, cb := range callbacks {
		cb(raw)
	}
}

// Scan looks for a device advertising one of the known Chargie service
// UUIDs and returns its address. found is false if nothing was seen within
// the deadline; err is only set on a scanner failure.
func (t *Transport) Scan(ctx context.Context) (addr string, found bool, err error) {
	t.setState(StateScanning)

	want := make([]bluetooth.UUID, 0, len(protocol.ScanServiceUUIDs))
	for _, s := range protocol.ScanServiceUUIDs {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			continue
		}
		want = append(want, uuid)
	}

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	type scanHit struct {
		addr bluetooth.Address
		name string
	}
	resultCh := make(chan scanHit, 1)
	scanErrCh := make(chan error, 1)

	go func() {
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, uuid := range want {
				if result.AdvertisementPayload.HasServiceUUID(uuid) {
					select {
					case resultCh <- scanHit{addr: result.Address, name: result.LocalName()}:
					default:
					}
					return
				}
			}
		})
		scanErrCh <- err
	}()

	select {
	case r := <-resultCh:
		_ = t.adapter.StopScan()
		t.mu.Lock()
		t.deviceName = r.name
		t.mu.Unlock()
		t.setState(StateDisconnected)
		return r.addr.String(), true, nil
	case scanErr := <-scanErrCh:
		t.setState(StateDisconnected)
		return "", false, fmt.Errorf("ble: scan: %w", scanErr)
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		t.setState(StateDisconnected)
		return "", false, nil
	}
}

// Connect dials the given address, discovers the command characteristic,
// and subscribes to notifications. On any failure the transport is left
// disconnected.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	t.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	parsedAddr, err := bluetooth.ParseMAC(addr)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: parse address %q: %w", addr, err)
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	connCh := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: parsedAddr}}, bluetooth.ConnectionParams{})
		connCh <- result{device: device, err: err}
	}()

	var device bluetooth.Device
	select {
	case r := <-connCh:
		if r.err != nil {
			t.setState(StateDisconnected)
			return fmt.Errorf("ble: connect: %w", r.err)
		}
		device = r.device
	case <-ctx.Done():
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: connect: timed out after %s", connectTimeout)
	}

	uuid, err := bluetooth.ParseUUID(protocol.CharacteristicUUID)
	if err != nil {
		_ = device.Disconnect()
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: parse characteristic uuid: %w", err)
	}

	services, err := device.DiscoverServices(nil)
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: discover services: %w", err)
	}

	var cmdChar bluetooth.DeviceCharacteristic
	foundChar := false
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil {
			continue
		}
		for _, c := range chars {
			if c.UUID() == uuid {
				cmdChar = c
				foundChar = true
				break
			}
		}
		if foundChar {
			break
		}
	}
	if !foundChar {
		_ = device.Disconnect()
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: command characteristic not found")
	}

	drain(t.responses)

	if err := cmdChar.EnableNotifications(t.handleNotification); err != nil {
		_ = device.Disconnect()
		t.setState(StateDisconnected)
		return fmt.Errorf("ble: enable notifications: %w", err)
	}

	t.mu.Lock()
	t.device = &device
	t.cmdChar = cmdChar
	t.connected = true
	t.deviceAddr = addr
	t.mu.Unlock()

	t.setState(StateConnected)
	return nil
}

// Disconnect tears down the active connection, if any.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.connected = false
	t.mu.Unlock()

	if device == nil {
		t.setState(StateDisconnected)
		return nil
	}
	err := device.Disconnect()
	t.setState(StateDisconnected)
	return err
}

// handleNotification is the EnableNotifications callback: it queues the
// trimmed payload on the one-slot response queue for SendCommand to read.
func (t *Transport) handleNotification(data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return
	}
	select {
	case t.responses <- text:
	default:
		// The queue still holds an unread frame; route this one as
		// unsolicited rather than blocking the notification callback.
		t.fireUnsolicited(text)
	}
}

// SendCommand writes command to the device and waits for a matching OK+
// response, discarding unrelated notifications to the unsolicited
// callbacks along the way. Only one command may be in flight at a time.
func (t *Transport) SendCommand(ctx context.Context, command string) (string, error) {
	t.mu.RLock()
	connected := t.connected
	cmdChar := t.cmdChar
	t.mu.RUnlock()
	if !connected {
		return "", fmt.Errorf("ble: not connected")
	}

	expectedKey := protocol.ExpectedResponseKey(command)

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if _, err := cmdChar.Write([]byte(command)); err != nil {
		return "", fmt.Errorf("ble: write: %w", err)
	}

	deadline := time.Now().Add(responseTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("ble: timed out waiting for response to %s", command)
		}

		timer := time.NewTimer(remaining)
		select {
		case resp := <-t.responses:
			timer.Stop()
			if strings.HasPrefix(resp, "OK+") && protocol.ResponseKey(resp) == expectedKey {
				time.Sleep(commandSpacing)
				return resp, nil
			}
			t.fireUnsolicited(resp)
			continue
		case <-timer.C:
			return "", fmt.Errorf("ble: timed out waiting for response to %s", command)
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

func drain(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
