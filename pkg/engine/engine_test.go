package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() ChargeConfig {
	return ChargeConfig{
		ChargeMax:          80,
		ChargeMin:          75,
		PDMode:             2,
		PollIntervalS:      3,
		TelemetryIntervalS: 30,
		AutoReconnect:      true,
	}
}

func happyResponses() map[string]string {
	return map[string]string{
		"AT+PIO20": "OK+PIO2:0",
		"AT+PIO21": "OK+PIO2:1",
		"AT+PDMO1": "OK+PDMO:1",
		"AT+PDMO2": "OK+PDMO:2",
		"AT+STAT?": "OK+STAT:2.00/15.00",
		"AT+ISPD?": "OK+ISPD:1",
		"AT+CAPA?": "OK+CAPA:7",
		"AT+FWVR?": "OK+FWVR:1.0",
		"AT+HWVR?": "OK+HWVR:2.0",
	}
}

func newTestEngine() (*Engine, *fakeTransport, *fakeBattery) {
	tr := newFakeTransport()
	tr.responses = happyResponses()
	tr.name = "Chargie Laptops"
	bat := &fakeBattery{percent: intPtr(72), status: strPtr("Charging")}
	e := New(tr, bat, testConfig())
	return e, tr, bat
}

func strPtr(s string) *string { return &s }

func TestInitialPhaseIsIdle(t *testing.T) {
	e, _, _ := newTestEngine()
	assert.Equal(t, PhaseIdle, e.Phase())
}

func TestStatusSnapshotReflectsBatteryAndConfig(t *testing.T) {
	e, _, _ := newTestEngine()
	status := e.Status()

	assert.Equal(t, "idle", status.Phase)
	require.NotNil(t, status.BatteryPercent)
	assert.Equal(t, 72, *status.BatteryPercent)
	assert.Equal(t, 80, status.ChargeMax)
	assert.Equal(t, 75, status.ChargeMin)
	assert.False(t, status.IsCharging)
	assert.Nil(t, status.Telemetry)
	assert.Nil(t, status.Device)
}

func TestUpdateConfigAppliesValidChange(t *testing.T) {
	e, _, _ := newTestEngine()
	newMax := 90
	newPDMode := 1
	_, err := e.UpdateConfig(ConfigUpdate{ChargeMax: &newMax, PDMode: &newPDMode})
	require.NoError(t, err)

	cfg := e.Config()
	assert.Equal(t, 90, cfg.ChargeMax)
	assert.Equal(t, 1, cfg.PDMode)
}

func TestUpdateConfigRejectsInvalidCombination(t *testing.T) {
	e, _, _ := newTestEngine()
	newMin := 95
	_, err := e.UpdateConfig(ConfigUpdate{ChargeMin: &newMin})
	assert.Error(t, err)
	assert.Equal(t, 75, e.Config().ChargeMin)
}

func TestUpdateConfigPersistsOnlyOnChange(t *testing.T) {
	e, _, _ := newTestEngine()
	var persisted []ChargeConfig
	e.persist = func(c ChargeConfig) { persisted = append(persisted, c) }

	sameMax := e.Config().ChargeMax
	_, err := e.UpdateConfig(ConfigUpdate{ChargeMax: &sameMax})
	require.NoError(t, err)
	assert.Empty(t, persisted)

	newMax := 95
	_, err = e.UpdateConfig(ConfigUpdate{ChargeMax: &newMax})
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestSetOverrideRequiresActivePhase(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.SetOverride(context.Background(), "on")
	assert.Error(t, err)
}

func TestSetOverrideRejectsUnknownMode(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.SetOverride(context.Background(), "sideways")
	assert.Error(t, err)
}

func TestSetOverrideAutoIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.SetOverride(context.Background(), "auto"))
	require.NoError(t, e.SetOverride(context.Background(), "auto"))
	assert.Nil(t, e.Override())
}

func TestPollTelemetryFailsOutsideActivePhase(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.PollTelemetry(context.Background())
	assert.Error(t, err)
}

func TestConfirmSysfsChargingSucceedsWhenStatusMatches(t *testing.T) {
	e, _, bat := newTestEngine()
	bat.setStatus("Charging")
	ok := e.confirmSysfsCharging(context.Background(), true, 2*time.Second)
	assert.True(t, ok)
}

func TestConfirmSysfsChargingTimesOutWhenStatusNeverMatches(t *testing.T) {
	e, _, bat := newTestEngine()
	bat.setStatus("Discharging")
	ok := e.confirmSysfsCharging(context.Background(), true, 500*time.Millisecond)
	assert.False(t, ok)
}

func TestVerifyDeviceSucceedsOnExpectedPowerStates(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.verifyDevice(context.Background())
	assert.NoError(t, err)
}

func TestVerifyDeviceFailsWhenDeviceMisreportsState(t *testing.T) {
	e, tr, _ := newTestEngine()
	tr.responses["AT+PIO21"] = "OK+PIO2:0"
	err := e.verifyDevice(context.Background())
	assert.Error(t, err)
}

func TestEnforceLimitIsNoOpUnderOverride(t *testing.T) {
	e, tr, _ := newTestEngine()
	e.mu.Lock()
	e.phase = PhaseCharging
	e.override = &overrideOn
	e.mu.Unlock()

	e.enforceLimit(context.Background(), intPtr(85))

	assert.Empty(t, tr.sendLog)
}

func TestEnforceLimitPausesAtChargeMax(t *testing.T) {
	e, _, _ := newTestEngine()
	e.mu.Lock()
	e.phase = PhaseCharging
	e.isCharging = true
	e.mu.Unlock()

	e.enforceLimit(context.Background(), intPtr(80))

	assert.Equal(t, PhasePaused, e.Phase())
	assert.False(t, e.IsCharging())
}

func TestStatusIncludesReconnectFieldsWhileReconnecting(t *testing.T) {
	e, _, _ := newTestEngine()
	e.mu.Lock()
	e.phase = PhaseReconnecting
	e.reconnectAttempt = 3
	e.reconnectDelay = 20
	e.mu.Unlock()

	status := e.Status()
	assert.Equal(t, "reconnecting", status.Phase)
	require.NotNil(t, status.ReconnectAttempt)
	assert.Equal(t, 3, *status.ReconnectAttempt)
	require.NotNil(t, status.ReconnectDelay)
	assert.Equal(t, 20, *status.ReconnectDelay)
}

func TestReconnectDelayScheduleSaturates(t *testing.T) {
	assert.Equal(t, 5, reconnectDelayFor(0))
	assert.Equal(t, 60, reconnectDelayFor(4))
	assert.Equal(t, 60, reconnectDelayFor(100))
}

func TestOnUpdateFiresOnPhaseTransition(t *testing.T) {
	e, _, _ := newTestEngine()
	updates := 0
	e.OnUpdate(func(Snapshot) { updates++ })

	e.setPhase(PhaseScanning)
	assert.Equal(t, 1, updates)

	e.setPhase(PhaseScanning)
	assert.Equal(t, 1, updates, "no notification on a repeated phase")
}

func TestHandleTransportStateTriggersReconnectWhenActive(t *testing.T) {
	e, tr, _ := newTestEngine()
	e.mu.Lock()
	e.phase = PhaseCharging
	e.mu.Unlock()

	tr.fireDisconnected()

	assert.Equal(t, PhaseReconnecting, e.Phase())
	e.stopReconnect()
}

func TestHandleTransportStateIgnoredAfterStop(t *testing.T) {
	e, tr, _ := newTestEngine()
	e.mu.Lock()
	e.phase = PhaseCharging
	e.stopped = true
	e.mu.Unlock()

	tr.fireDisconnected()

	assert.Equal(t, PhaseCharging, e.Phase())
}
