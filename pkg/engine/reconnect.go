package engine

import (
	"context"
	"log"
	"time"
)

// reconnectDelays is the bounded backoff schedule; the index saturates at
// the last entry so a long outage polls no faster than once a minute.
var reconnectDelays = []int{5, 10, 20, 40, 60}

func reconnectDelayFor(attempt int) int {
	idx := attempt
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	return reconnectDelays[idx]
}

// startReconnect spawns the reconnect loop, guarding against a double
// start.
func (e *Engine) startReconnect() {
	e.taskMu.Lock()
	if e.reconnectCancel != nil {
		e.taskMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.reconnectCancel = cancel
	e.taskMu.Unlock()

	e.mu.Lock()
	e.reconnectAttempt = 0
	e.reconnectDelay = 0
	e.mu.Unlock()

	e.background("reconnect-loop", func() { e.reconnectLoop(ctx) })
}

// stopReconnect cancels the reconnect loop, if running, and resets its
// counters.
func (e *Engine) stopReconnect() {
	e.taskMu.Lock()
	cancel := e.reconnectCancel
	e.reconnectCancel = nil
	e.taskMu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.reconnectAttempt = 0
	e.reconnectDelay = 0
	e.mu.Unlock()
}

// reconnectLoop steps through the bounded backoff schedule, attempting a
// full scan/connect/verify/query/PD-on cycle on each wake. A success starts
// pollers, transitions to NEGOTIATING_CHARGE, and exits; any failure falls
// through to the next attempt.
func (e *Engine) reconnectLoop(ctx context.Context) {
	for {
		e.mu.Lock()
		attempt := e.reconnectAttempt
		delay := reconnectDelayFor(attempt)
		e.reconnectAttempt = attempt + 1
		e.reconnectDelay = delay
		e.mu.Unlock()
		e.notify()

		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			return
		}

		if ctx.Err() != nil {
			return
		}

		addr, found, err := e.transport.Scan(ctx)
		if err != nil {
			log.Printf("engine: reconnect scan failed: %v", err)
			continue
		}
		if !found {
			continue
		}

		if err := e.transport.Connect(ctx, addr); err != nil {
			log.Printf("engine: reconnect connect failed: %v", err)
			continue
		}

		if err := e.verifyDevice(ctx); err != nil {
			log.Printf("engine: reconnect verify failed: %v", err)
			_ = e.transport.Disconnect()
			continue
		}

		e.queryDeviceInfo(ctx)

		if err := e.powerOn(ctx); err != nil {
			log.Printf("engine: reconnect PD-on failed: %v", err)
			_ = e.transport.Disconnect()
			continue
		}

		e.setPhase(PhaseNegotiatingCharge)
		e.startPolling()
		e.background("await-sysfs-charging", func() { e.awaitSysfsCharging(ctx) })

		e.taskMu.Lock()
		e.reconnectCancel = nil
		e.taskMu.Unlock()
		e.mu.Lock()
		e.reconnectAttempt = 0
		e.reconnectDelay = 0
		e.mu.Unlock()
		return
	}
}
