package engine

import "github.com/chargie-project/chargied/pkg/protocol"

// Phase is a state in the charge engine's lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseVerifying
	PhaseNegotiatingCharge
	PhaseCharging
	PhasePaused
	PhaseDisconnected
	PhaseReconnecting
)

// String renders the phase the way it appears in snapshots: lowercase,
// matching the external API's wire vocabulary.
func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting"
	case PhaseVerifying:
		return "verifying"
	case PhaseNegotiatingCharge:
		return "negotiating_charge"
	case PhaseCharging:
		return "charging"
	case PhasePaused:
		return "paused"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// activePhases is the set of phases in which a device connection is
// considered live and enforcement/telemetry operations are meaningful.
var activePhases = map[Phase]bool{
	PhaseNegotiatingCharge: true,
	PhaseCharging:          true,
	PhasePaused:            true,
}

func (p Phase) active() bool {
	return activePhases[p]
}

var (
	overrideOn  = "on"
	overrideOff = "off"
)

// DeviceSnapshot is the device sub-object of an engine Snapshot.
type DeviceSnapshot struct {
	Name         string                `json:"name"`
	Firmware     string                `json:"firmware"`
	Hardware     string                `json:"hardware"`
	Capabilities protocol.Capabilities `json:"capabilities"`
}

// Snapshot is the sole externally observable state of the engine, returned
// by Status and delivered to every bus subscriber.
type Snapshot struct {
	Phase             string          `json:"phase"`
	BatteryPercent    *int            `json:"battery_percent"`
	IsCharging        bool            `json:"is_charging"`
	Override          *string         `json:"override"`
	ChargeMax         int             `json:"charge_max"`
	ChargeMin         int             `json:"charge_min"`
	PDMode            int             `json:"pd_mode"`
	TelemetryInterval int             `json:"telemetry_interval"`
	Telemetry         *TelemetryView  `json:"telemetry,omitempty"`
	Device            *DeviceSnapshot `json:"device,omitempty"`
	ReconnectAttempt  *int            `json:"reconnect_attempt,omitempty"`
	ReconnectDelay    *int            `json:"reconnect_delay,omitempty"`
}

// TelemetryView is the telemetry sub-object of an engine Snapshot.
type TelemetryView struct {
	Volts float64 `json:"volts"`
	Amps  float64 `json:"amps"`
	Watts float64 `json:"watts"`
}
