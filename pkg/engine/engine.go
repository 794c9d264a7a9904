// Package engine implements the charge engine: the top-level state machine
// that scans, connects, verifies, configures, and supervises a single BLE
// charging device, enforcing a battery percentage window and negotiating
// USB Power Delivery.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chargie-project/chargied/pkg/ble"
	"github.com/chargie-project/chargied/pkg/protocol"
)

// Engine is safe for concurrent use. Every state-touching operation takes
// the single engine mutex; the BLE transport owns a separate send lock of
// its own, so a command write never happens while holding the engine lock.
type Engine struct {
	transport Transport
	battery   BatteryReader
	persist   func(ChargeConfig)

	mu               sync.Mutex
	phase            Phase
	config           ChargeConfig
	telemetry        *protocol.Telemetry
	deviceInfo       *protocol.DeviceInfo
	isCharging       bool
	override         *string
	reconnectAttempt int
	reconnectDelay   int
	chart            *chartRing
	stopped          bool

	subMu       sync.Mutex
	subscribers []func(Snapshot)

	taskMu          sync.Mutex
	sysfsCancel     context.CancelFunc
	keepaliveCancel context.CancelFunc
	reconnectCancel context.CancelFunc
	transitionCh    chan struct{}

	wg sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithPersist registers a hook invoked whenever UpdateConfig changes the
// stored configuration, so a caller can wire state-store persistence
// without the engine importing pkg/store directly.
func WithPersist(fn func(ChargeConfig)) Option {
	return func(e *Engine) { e.persist = fn }
}

// New constructs an Engine in phase IDLE. It registers itself as a
// transport state-change observer immediately.
func New(transport Transport, battery BatteryReader, cfg ChargeConfig, opts ...Option) *Engine {
	e := &Engine{
		transport:    transport,
		battery:      battery,
		config:       cfg,
		chart:        newChartRing(),
		transitionCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	transport.OnStateChange(e.handleTransportState)
	transport.OnUnsolicited(e.handleUnsolicited)
	return e
}

// background runs fn in its own goroutine; a panic is logged rather than
// crashing the daemon, mirroring the teacher's central task-done handler.
func (e *Engine) background(label string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("engine: task %s panicked: %v", label, r)
			}
		}()
		fn()
	}()
}

// Phase returns the engine's current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// IsCharging reports whether the most recent successful device command was
// POWER_ON.
func (e *Engine) IsCharging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isCharging
}

// Override returns the current manual override mode, or nil for automatic.
func (e *Engine) Override() *string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.override
}

// Config returns the current charge configuration.
func (e *Engine) Config() ChargeConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// OnUpdate registers a callback fired on every snapshot-changing event.
// Callbacks must not block; fan-out to slow consumers is the caller's
// responsibility (see pkg/bus).
func (e *Engine) OnUpdate(fn func(Snapshot)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Status returns the sole externally observable state snapshot. It never
// fails.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:             e.phase.String(),
		BatteryPercent:    e.battery.ReadPercent(),
		IsCharging:        e.isCharging,
		Override:          e.override,
		ChargeMax:         e.config.ChargeMax,
		ChargeMin:         e.config.ChargeMin,
		PDMode:            e.config.PDMode,
		TelemetryInterval: e.config.TelemetryIntervalS,
	}
	if e.telemetry != nil {
		s.Telemetry = &TelemetryView{Volts: e.telemetry.Volts, Amps: e.telemetry.Amps, Watts: e.telemetry.Watts()}
	}
	if e.deviceInfo != nil {
		s.Device = &DeviceSnapshot{
			Name:         e.transport.DeviceName(),
			Firmware:     e.deviceInfo.Firmware,
			Hardware:     e.deviceInfo.Hardware,
			Capabilities: e.deviceInfo.Capabilities,
		}
	}
	if e.phase == PhaseReconnecting {
		attempt := e.reconnectAttempt
		delay := e.reconnectDelay
		s.ReconnectAttempt = &attempt
		s.ReconnectDelay = &delay
	}
	return s
}

// notify records a chart point (if the percent changed) and fires every
// subscriber with the new snapshot. Must be called without e.mu held.
func (e *Engine) notify() {
	e.mu.Lock()
	e.chart.recordIfChanged(time.Now().Unix(), e.battery.ReadPercent(), e.isCharging, e.config.ChargeMax, e.config.ChargeMin)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.subMu.Lock()
	subs := append([]func(Snapshot){}, e.subscribers...)
	e.subMu.Unlock()

	for _, sub := range subs {
		sub(snapshot)
	}
}

// ChartHistory returns the bounded chart ring as five parallel sequences.
func (e *Engine) ChartHistory() ChartHistory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chart.history()
}

// setPhase transitions the phase, notifying on actual change. If both the
// old and new phases are active, the keepalive loop's transition channel is
// signalled so it enters fast-polling mode. Must be called without e.mu
// held.
func (e *Engine) setPhase(next Phase) {
	e.mu.Lock()
	prev := e.phase
	if prev == next {
		e.mu.Unlock()
		return
	}
	e.phase = next
	e.mu.Unlock()

	log.Printf("engine: phase %s -> %s", prev, next)

	if prev.active() && next.active() {
		select {
		case e.transitionCh <- struct{}{}:
		default:
		}
	}
	e.notify()
}

// UpdateConfig validates and applies partial changes, persisting only when
// something actually changed.
func (e *Engine) UpdateConfig(u ConfigUpdate) (ChargeConfig, error) {
	e.mu.Lock()
	current := e.config
	next := u.applyTo(current)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return current, err
	}
	didChange := next != current
	e.config = next
	e.mu.Unlock()

	if didChange {
		if e.persist != nil {
			e.persist(next)
		}
		e.notify()
	}
	return next, nil
}

// SetOverride implements manual override transitions; see the design
// notes in pd.go for the PD-on/off sequences it drives.
func (e *Engine) SetOverride(ctx context.Context, mode string) error {
	switch mode {
	case "auto":
		e.mu.Lock()
		e.override = nil
		percent := e.battery.ReadPercent()
		e.mu.Unlock()
		e.enforceLimit(ctx, percent)
		e.notify()
		return nil
	case "on":
		if !e.Phase().active() {
			return fmt.Errorf("engine: override requires an active phase, got %s", e.Phase())
		}
		if err := e.powerOn(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		e.override = &overrideOn
		e.mu.Unlock()
		e.setPhase(PhaseNegotiatingCharge)
		e.background("await-sysfs-charging", func() { e.awaitSysfsCharging(ctx) })
		e.notify()
		return nil
	case "off":
		if !e.Phase().active() {
			return fmt.Errorf("engine: override requires an active phase, got %s", e.Phase())
		}
		if err := e.powerOff(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		e.override = &overrideOff
		e.mu.Unlock()
		e.setPhase(PhasePaused)
		e.notify()
		return nil
	default:
		return fmt.Errorf("engine: invalid override mode %q", mode)
	}
}

// Start drives the engine from IDLE through scan/connect/verify/PD-on to
// NEGOTIATING_CHARGE. It returns once the lifecycle sequence settles (in
// IDLE on failure, or NEGOTIATING_CHARGE on success); background pollers
// keep running afterwards.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()
	e.stopReconnect()

	e.setPhase(PhaseScanning)
	addr, found, err := e.transport.Scan(ctx)
	if err != nil {
		log.Printf("engine: scan failed: %v", err)
	}
	if !found {
		e.setPhase(PhaseIdle)
		return
	}

	e.setPhase(PhaseConnecting)
	if err := e.transport.Connect(ctx, addr); err != nil {
		log.Printf("engine: connect failed: %v", err)
		e.setPhase(PhaseIdle)
		return
	}

	e.setPhase(PhaseVerifying)
	if err := e.verifyDevice(ctx); err != nil {
		log.Printf("engine: device verification failed: %v", err)
		_ = e.transport.Disconnect()
		e.setPhase(PhaseIdle)
		return
	}

	e.queryDeviceInfo(ctx)

	if err := e.powerOn(ctx); err != nil {
		log.Printf("engine: PD-on sequence failed: %v", err)
		_ = e.transport.Disconnect()
		e.setPhase(PhaseIdle)
		return
	}

	e.setPhase(PhaseNegotiatingCharge)
	e.startPolling()
	e.background("await-sysfs-charging", func() { e.awaitSysfsCharging(ctx) })
}

// Stop cancels background work, clears device-derived state, and
// disconnects.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.stopPolling()
	e.stopReconnect()

	e.mu.Lock()
	e.isCharging = false
	e.override = nil
	e.telemetry = nil
	e.deviceInfo = nil
	e.phase = PhaseIdle
	e.mu.Unlock()

	_ = e.transport.Disconnect()
	e.notify()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("engine: stop() timed out waiting for background tasks")
	}
}

// PollTelemetry issues a manual STAT? query; it fails unless the phase is
// active.
func (e *Engine) PollTelemetry(ctx context.Context) error {
	if !e.Phase().active() {
		return fmt.Errorf("engine: cannot poll telemetry in phase %s", e.Phase())
	}
	resp, err := e.transport.SendCommand(ctx, protocol.CmdStat)
	if err != nil {
		return err
	}
	tel, err := protocol.ParseTelemetry(resp)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.telemetry = &tel
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *Engine) handleTransportState(state ble.ConnectionState) {
	e.mu.Lock()
	stopped := e.stopped
	phase := e.phase
	e.mu.Unlock()

	if stopped || state != ble.StateDisconnected {
		return
	}
	if phase == PhaseIdle || phase == PhaseDisconnected || phase == PhaseReconnecting {
		return
	}

	e.stopPolling()
	e.mu.Lock()
	e.isCharging = false
	e.override = nil
	autoReconnect := e.config.AutoReconnect
	e.mu.Unlock()

	e.setPhase(PhaseDisconnected)
	if autoReconnect {
		e.setPhase(PhaseReconnecting)
		e.startReconnect()
	}
}

func (e *Engine) handleUnsolicited(raw string) {
	log.Printf("engine: unsolicited notification: %q", raw)
}
