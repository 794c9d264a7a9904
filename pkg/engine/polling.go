package engine

import (
	"context"
	"log"
	"time"

	"github.com/chargie-project/chargied/pkg/protocol"
)

// transitionFastDuration is how long the keepalive loop stays in fast-poll
// mode after an active-to-active phase transition, so charts update
// promptly while the device is settling.
const transitionFastDuration = 15 * time.Second

// transitionPollInterval is the keepalive loop's poll interval while in
// fast mode.
const transitionPollInterval = 1500 * time.Millisecond

// startPolling launches the sysfs and keepalive loops. Safe to call only
// once per connection; stopPolling must be called before a subsequent
// start.
func (e *Engine) startPolling() {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()

	sysfsCtx, sysfsCancel := context.WithCancel(context.Background())
	e.sysfsCancel = sysfsCancel
	e.background("sysfs-loop", func() { e.sysfsLoop(sysfsCtx) })

	keepaliveCtx, keepaliveCancel := context.WithCancel(context.Background())
	e.keepaliveCancel = keepaliveCancel
	e.background("keepalive-loop", func() { e.keepaliveLoop(keepaliveCtx) })
}

// stopPolling cancels both loops, if running.
func (e *Engine) stopPolling() {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()

	if e.sysfsCancel != nil {
		e.sysfsCancel()
		e.sysfsCancel = nil
	}
	if e.keepaliveCancel != nil {
		e.keepaliveCancel()
		e.keepaliveCancel = nil
	}
}

// sysfsLoop polls battery percent, runs limit enforcement, and notifies,
// once per PollIntervalS.
func (e *Engine) sysfsLoop(ctx context.Context) {
	for {
		interval := time.Duration(e.Config().PollIntervalS) * time.Second
		percent := e.battery.ReadPercent()
		e.enforceLimit(ctx, percent)
		e.notify()

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// keepaliveLoop polls STAT? at TelemetryIntervalS, with a transition-
// sensitive fast mode: when the phase moves between two active phases,
// setPhase signals transitionCh and the loop switches to 1.5s polling for
// transitionFastDuration so the chart updates promptly during a change.
func (e *Engine) keepaliveLoop(ctx context.Context) {
	fastUntil := time.Time{}
	for {
		resp, err := e.transport.SendCommand(ctx, protocol.CmdStat)
		if err != nil {
			log.Printf("engine: keepalive STAT poll failed (continuing): %v", err)
		} else if tel, parseErr := protocol.ParseTelemetry(resp); parseErr == nil {
			e.mu.Lock()
			e.telemetry = &tel
			e.mu.Unlock()
			e.notify()
		}

		interval := time.Duration(e.Config().TelemetryIntervalS) * time.Second
		if time.Now().Before(fastUntil) {
			select {
			case <-time.After(transitionPollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-e.transitionCh:
			fastUntil = time.Now().Add(transitionFastDuration)
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// enforceLimit applies the charge-limit policy to the current percent. A
// no-op whenever a manual override is in effect.
func (e *Engine) enforceLimit(ctx context.Context, percent *int) {
	if percent == nil {
		return
	}
	if e.Override() != nil {
		return
	}

	phase := e.Phase()
	p := *percent
	cfg := e.Config()

	switch {
	case phase == PhaseCharging && p >= cfg.ChargeMax:
		log.Printf("engine: battery at %d%%, charge_max=%d, pausing", p, cfg.ChargeMax)
		if err := e.powerOff(ctx); err != nil {
			log.Printf("engine: enforce limit power off failed: %v", err)
			return
		}
		e.setPhase(PhasePaused)
		e.background("confirm-paused", func() { e.confirmSysfsCharging(ctx, false, sysfsConfirmTimeout) })

	case phase == PhasePaused && p <= cfg.ChargeMin:
		log.Printf("engine: battery at %d%%, charge_min=%d, resuming", p, cfg.ChargeMin)
		if err := e.powerOn(ctx); err != nil {
			log.Printf("engine: enforce limit power on failed: %v", err)
			return
		}
		e.setPhase(PhaseNegotiatingCharge)
		e.background("await-sysfs-charging", func() { e.awaitSysfsCharging(ctx) })

	case phase == PhaseCharging && !e.IsCharging():
		log.Printf("engine: phase charging but relay reports off, re-running PD-on")
		if err := e.powerOn(ctx); err != nil {
			log.Printf("engine: safety-net power on failed: %v", err)
			return
		}
		e.setPhase(PhaseNegotiatingCharge)
		e.background("await-sysfs-charging", func() { e.awaitSysfsCharging(ctx) })
	}
}
