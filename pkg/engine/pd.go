package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chargie-project/chargied/pkg/protocol"
)

const (
	pdRelayOffDelay  = 1 * time.Second
	pdRelayOnDelay   = 2 * time.Second
	pdRenegotiateWait = 2 * time.Second
	pdConfirmTimeout = 10 * time.Second
	pdConfirmPoll    = 1 * time.Second
	pdMaxAttempts    = 3

	sysfsConfirmTimeout = 10 * time.Second
	sysfsConfirmPoll    = 1 * time.Second
)

// verifyDevice is the power-cycle handshake run after connecting: the
// device must actuate its relay in both directions, or the connection is
// unusable even though it accepted the commands.
func (e *Engine) verifyDevice(ctx context.Context) error {
	resp, err := e.transport.SendCommand(ctx, protocol.CmdPowerOff)
	if err != nil {
		return fmt.Errorf("verify: power off: %w", err)
	}
	on, err := protocol.ParsePowerState(resp)
	if err != nil {
		return fmt.Errorf("verify: power off: %w", err)
	}
	if on {
		return fmt.Errorf("verify: device reported power on after POWER_OFF")
	}

	select {
	case <-time.After(pdRelayOffDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, err = e.transport.SendCommand(ctx, protocol.CmdPowerOn)
	if err != nil {
		return fmt.Errorf("verify: power on: %w", err)
	}
	on, err = protocol.ParsePowerState(resp)
	if err != nil {
		return fmt.Errorf("verify: power on: %w", err)
	}
	if !on {
		return fmt.Errorf("verify: device reported power off after POWER_ON")
	}
	return nil
}

// queryDeviceInfo reads capabilities/firmware/hardware once after
// verification. Failures are logged but never fatal to the lifecycle.
func (e *Engine) queryDeviceInfo(ctx context.Context) {
	capaResp, err := e.transport.SendCommand(ctx, protocol.CmdCapa)
	if err != nil {
		log.Printf("engine: query capabilities failed: %v", err)
		return
	}
	capa, err := protocol.ParseCapabilities(capaResp)
	if err != nil {
		log.Printf("engine: parse capabilities failed: %v", err)
		return
	}

	fwResp, err := e.transport.SendCommand(ctx, protocol.CmdFwvr)
	if err != nil {
		log.Printf("engine: query firmware failed: %v", err)
		return
	}
	fw, err := protocol.ParseFirmware(fwResp)
	if err != nil {
		log.Printf("engine: parse firmware failed: %v", err)
		return
	}

	hwResp, err := e.transport.SendCommand(ctx, protocol.CmdHwvr)
	if err != nil {
		log.Printf("engine: query hardware failed: %v", err)
		return
	}
	hw, err := protocol.ParseHardware(hwResp)
	if err != nil {
		log.Printf("engine: parse hardware failed: %v", err)
		return
	}

	info := protocol.DeviceInfo{Firmware: fw, Hardware: hw, Capabilities: capa}
	e.mu.Lock()
	e.deviceInfo = &info
	e.mu.Unlock()
	e.notify()
}

// powerOn runs the PD-on sequence: cut power, restore power, probe ISPD
// (result ignored), select the configured PD mode, then confirm a PD contract was
// actually negotiated by observing voltage. Retries up to pdMaxAttempts
// times because the device may accept PDMO yet fail to renegotiate.
func (e *Engine) powerOn(ctx context.Context) error {
	for attempt := 1; attempt <= pdMaxAttempts; attempt++ {
		if err := e.pdOnAttempt(ctx); err != nil {
			log.Printf("engine: PD-on attempt %d/%d failed: %v", attempt, pdMaxAttempts, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("engine: PD negotiation failed after %d attempts", pdMaxAttempts)
}

func (e *Engine) pdOnAttempt(ctx context.Context) error {
	resp, err := e.transport.SendCommand(ctx, protocol.CmdPowerOff)
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	on, err := protocol.ParsePowerState(resp)
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if on {
		return fmt.Errorf("device reported power on after POWER_OFF")
	}
	e.mu.Lock()
	e.isCharging = false
	e.mu.Unlock()

	select {
	case <-time.After(pdRelayOffDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, err = e.transport.SendCommand(ctx, protocol.CmdPowerOn)
	if err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	on, err = protocol.ParsePowerState(resp)
	if err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if !on {
		return fmt.Errorf("device reported power off after POWER_ON")
	}
	e.mu.Lock()
	e.isCharging = true
	e.mu.Unlock()

	select {
	case <-time.After(pdRelayOnDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := e.transport.SendCommand(ctx, protocol.CmdIspd); err != nil {
		log.Printf("engine: ISPD probe failed (ignored): %v", err)
	}

	pdModeCmd := protocol.PDModeCommand(e.Config().PDMode)
	if _, err := e.transport.SendCommand(ctx, pdModeCmd); err != nil {
		return fmt.Errorf("pd mode: %w", err)
	}

	select {
	case <-time.After(pdRenegotiateWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	if !e.confirmPDActive(ctx, pdConfirmTimeout) {
		return fmt.Errorf("PD voltage confirmation failed")
	}
	return nil
}

// confirmPDActive polls STAT? once a second until a reading strictly above
// PDMinVolts is observed, or the timeout elapses.
func (e *Engine) confirmPDActive(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := e.transport.SendCommand(ctx, protocol.CmdStat)
		if err != nil {
			log.Printf("engine: PD confirm poll failed (continuing): %v", err)
		} else if tel, err := protocol.ParseTelemetry(resp); err == nil {
			e.mu.Lock()
			e.telemetry = &tel
			e.mu.Unlock()
			e.notify()
			if tel.Volts > protocol.PDMinVolts {
				return true
			}
		}
		select {
		case <-time.After(pdConfirmPoll):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// powerOff sends a guarded POWER_OFF: the response must confirm the relay
// actually went off.
func (e *Engine) powerOff(ctx context.Context) error {
	resp, err := e.transport.SendCommand(ctx, protocol.CmdPowerOff)
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	on, err := protocol.ParsePowerState(resp)
	if err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if on {
		return fmt.Errorf("device reported power on after POWER_OFF")
	}
	e.mu.Lock()
	e.isCharging = false
	e.mu.Unlock()
	return nil
}

// confirmSysfsCharging polls the sysfs battery status until it matches
// expectedCharging or the timeout elapses. Purely diagnostic: a timeout is
// logged, not treated as an error, since sysfs lag behind the relay is
// expected.
func (e *Engine) confirmSysfsCharging(ctx context.Context, expectedCharging bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status := e.battery.ReadStatus()
		if status != nil {
			charging := *status == "Charging"
			if charging == expectedCharging {
				return true
			}
		}
		select {
		case <-time.After(sysfsConfirmPoll):
		case <-ctx.Done():
			return false
		}
	}
	log.Printf("engine: timed out waiting for sysfs charging=%v", expectedCharging)
	return false
}

// awaitSysfsCharging waits for sysfs to confirm charging has begun, then
// promotes the phase from NEGOTIATING_CHARGE to CHARGING if it's still
// there (a stop or disconnect may have moved it elsewhere meanwhile).
func (e *Engine) awaitSysfsCharging(ctx context.Context) {
	if !e.confirmSysfsCharging(ctx, true, sysfsConfirmTimeout) {
		return
	}
	if e.Phase() == PhaseNegotiatingCharge {
		e.setPhase(PhaseCharging)
	}
}
