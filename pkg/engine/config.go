package engine

import "fmt"

// PD mode values the device understands.
const (
	PDModeHalf = 1
	PDModeFull = 2
)

// ChargeConfig is an immutable-after-validation charge policy. Updates go
// through UpdateConfig, which builds a new value rather than mutating one
// in place.
type ChargeConfig struct {
	ChargeMax          int
	ChargeMin          int
	PDMode             int
	PollIntervalS      int
	TelemetryIntervalS int
	AutoReconnect      bool
}

// DefaultChargeConfig matches the device's factory defaults.
func DefaultChargeConfig() ChargeConfig {
	return ChargeConfig{
		ChargeMax:          80,
		ChargeMin:          75,
		PDMode:             PDModeFull,
		PollIntervalS:      3,
		TelemetryIntervalS: 30,
		AutoReconnect:      true,
	}
}

// Validate enforces the invariants from the charge configuration's data
// model: both bounds in [20,100], min strictly less than max, and a known
// PD mode.
func (c ChargeConfig) Validate() error {
	if c.ChargeMax < 20 || c.ChargeMax > 100 {
		return fmt.Errorf("charge_max must be in [20,100], got %d", c.ChargeMax)
	}
	if c.ChargeMin < 20 || c.ChargeMin > 100 {
		return fmt.Errorf("charge_min must be in [20,100], got %d", c.ChargeMin)
	}
	if c.ChargeMin >= c.ChargeMax {
		return fmt.Errorf("charge_min (%d) must be strictly less than charge_max (%d)", c.ChargeMin, c.ChargeMax)
	}
	if c.PDMode != PDModeHalf && c.PDMode != PDModeFull {
		return fmt.Errorf("pd_mode must be 1 or 2, got %d", c.PDMode)
	}
	return nil
}

// ConfigUpdate carries optional overrides for UpdateConfig; a nil field
// leaves the corresponding ChargeConfig field untouched.
type ConfigUpdate struct {
	ChargeMax          *int
	ChargeMin          *int
	PDMode             *int
	TelemetryIntervalS *int
}

// applyTo returns a copy of base with any non-nil fields from u applied.
func (u ConfigUpdate) applyTo(base ChargeConfig) ChargeConfig {
	next := base
	if u.ChargeMax != nil {
		next.ChargeMax = *u.ChargeMax
	}
	if u.ChargeMin != nil {
		next.ChargeMin = *u.ChargeMin
	}
	if u.PDMode != nil {
		next.PDMode = *u.PDMode
	}
	if u.TelemetryIntervalS != nil {
		next.TelemetryIntervalS = *u.TelemetryIntervalS
	}
	return next
}

// changed reports whether applying u to base would produce a different
// config, so callers can skip a persistence write when nothing moved.
func (u ConfigUpdate) changed(base ChargeConfig) bool {
	return u.applyTo(base) != base
}
