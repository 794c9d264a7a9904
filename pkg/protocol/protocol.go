// Package protocol implements the Chargie AT command/response codec: ASCII
// frames exchanged with the device over the BLE characteristic in pkg/ble.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Service UUIDs a scan matches against. Name-based filtering is deliberately
// not used — some Chargie firmware builds advertise inconsistent names.
const (
	ServiceUUIDPrimary = "0000ffd6-0000-1000-8000-00805f9b34fb"
	ServiceUUIDAlt      = "0000ffaa-0000-1000-8000-00805f9b34fb"
)

// ScanServiceUUIDs is the set of service UUIDs that identify a Chargie device.
var ScanServiceUUIDs = []string{ServiceUUIDPrimary, ServiceUUIDAlt}

// CharacteristicUUID is used for both the write and notify characteristics.
const CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"

// Command text constants, per the AT+ grammar.
const (
	CmdStat    = "AT+STAT?"
	CmdCapa    = "AT+CAPA?"
	CmdFwvr    = "AT+FWVR?"
	CmdHwvr    = "AT+HWVR?"
	CmdIspd    = "AT+ISPD?"
	CmdPowerOff = "AT+PIO20" // cut USB-C power
	CmdPowerOn  = "AT+PIO21" // restore USB-C power
	CmdPDMode1  = "AT+PDMO1" // half PD
	CmdPDMode2  = "AT+PDMO2" // full PD
)

// Capability bit positions within the CAPA bitmask.
const (
	CapaBitPD   = 0
	CapaBitFET2 = 1
	CapaBitAuto = 2
)

// PDMinVolts is the empirical threshold above base USB 5V that confirms a PD
// contract has been negotiated. Do not change without device-side validation.
const PDMinVolts = 5.5

// expectedResponseKeys is a static mapping from command constant to its
// expected response key, replacing any runtime string transform: a command
// whose last character encodes a parameter strips that digit to form the key.
var expectedResponseKeys = map[string]string{
	CmdStat:     "STAT",
	CmdCapa:     "CAPA",
	CmdFwvr:     "FWVR",
	CmdHwvr:     "HWVR",
	CmdIspd:     "ISPD",
	CmdPowerOff: "PIO2",
	CmdPowerOn:  "PIO2",
	CmdPDMode1:  "PDMO",
	CmdPDMode2:  "PDMO",
}

// ExpectedResponseKey returns the response key a command's reply must carry
// to be considered a match, per the table above. Commands outside the known
// set fall back to the syntactic rule (strip "AT+" prefix, trailing "?", and
// any trailing parameter digit) so the transport never panics on an unknown
// command.
func ExpectedResponseKey(command string) string {
	if key, ok := expectedResponseKeys[command]; ok {
		return key
	}
	body := strings.TrimSuffix(strings.TrimPrefix(command, "AT+"), "?")
	if len(body) > 0 {
		last := body[len(body)-1]
		if last >= '0' && last <= '9' {
			body = body[:len(body)-1]
		}
	}
	return body
}

// ResponseKey extracts the key portion of an "OK+KEY[:VALUE]" response.
func ResponseKey(response string) string {
	body := strings.TrimPrefix(response, "OK+")
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		return body[:idx]
	}
	return body
}

// ParseError reports a malformed device response, carrying the raw text.
type ParseError struct {
	Raw string
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", e.Msg, e.Raw)
}

func newParseError(raw, msg string) *ParseError {
	return &ParseError{Raw: raw, Msg: msg}
}

func splitResponse(raw string) (key, value string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "OK+") {
		return "", "", newParseError(raw, "not an OK+ response")
	}
	body := raw[3:]
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		return body[:idx], body[idx+1:], nil
	}
	return body, "", nil
}

// Capabilities is a decoded device capability bitmask.
type Capabilities struct {
	Raw  int
	PD   bool
	FET2 bool
	Auto bool
}

// ParseCapabilities decodes an "OK+CAPA:<int>" response.
func ParseCapabilities(raw string) (Capabilities, error) {
	key, value, err := splitResponse(raw)
	if err != nil {
		return Capabilities{}, err
	}
	if key != "CAPA" {
		return Capabilities{}, newParseError(raw, fmt.Sprintf("expected CAPA response, got %q", key))
	}
	bitmask, err := strconv.Atoi(value)
	if err != nil {
		return Capabilities{}, newParseError(raw, fmt.Sprintf("bad CAPA payload %q", value))
	}
	return Capabilities{
		Raw:  bitmask,
		PD:   bitmask&(1<<CapaBitPD) != 0,
		FET2: bitmask&(1<<CapaBitFET2) != 0,
		Auto: bitmask&(1<<CapaBitAuto) != 0,
	}, nil
}

// Telemetry is an immutable reading of volts and amps; watts is derived.
type Telemetry struct {
	Volts float64
	Amps  float64
}

// Watts returns volts*amps rounded to two decimal places.
func (t Telemetry) Watts() float64 {
	return roundTo2(t.Volts * t.Amps)
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// ParseTelemetry decodes an "OK+STAT:<amps>/<volts>" response. Note the
// on-wire ordering: amps first, volts second — this is not a bug.
func ParseTelemetry(raw string) (Telemetry, error) {
	key, value, err := splitResponse(raw)
	if err != nil {
		return Telemetry{}, err
	}
	if key != "STAT" {
		return Telemetry{}, newParseError(raw, fmt.Sprintf("expected STAT response, got %q", key))
	}
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return Telemetry{}, newParseError(raw, fmt.Sprintf("bad STAT payload %q", value))
	}
	amps, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Telemetry{}, newParseError(raw, fmt.Sprintf("bad STAT payload %q", value))
	}
	volts, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Telemetry{}, newParseError(raw, fmt.Sprintf("bad STAT payload %q", value))
	}
	return Telemetry{Volts: volts, Amps: amps}, nil
}

// ParseFirmware decodes an "OK+FWVR:<text>" response.
func ParseFirmware(raw string) (string, error) {
	key, value, err := splitResponse(raw)
	if err != nil {
		return "", err
	}
	if key != "FWVR" {
		return "", newParseError(raw, fmt.Sprintf("expected FWVR response, got %q", key))
	}
	return value, nil
}

// ParseHardware decodes an "OK+HWVR:<text>" response.
func ParseHardware(raw string) (string, error) {
	key, value, err := splitResponse(raw)
	if err != nil {
		return "", err
	}
	if key != "HWVR" {
		return "", newParseError(raw, fmt.Sprintf("expected HWVR response, got %q", key))
	}
	return value, nil
}

// ParsePowerState decodes an "OK+PIO2:0|1" response into a bool (1 = on).
func ParsePowerState(raw string) (bool, error) {
	key, value, err := splitResponse(raw)
	if err != nil {
		return false, err
	}
	if key != "PIO2" {
		return false, newParseError(raw, fmt.Sprintf("expected PIO2 response, got %q", key))
	}
	switch value {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, newParseError(raw, fmt.Sprintf("bad PIO2 payload %q", value))
	}
}

// DeviceInfo is populated once after verification.
type DeviceInfo struct {
	Firmware     string
	Hardware     string
	Capabilities Capabilities
}

// PDModeCommand returns the AT command for the given PD mode (1=half, 2=full).
// Any value other than 2 is treated as half, matching the device's own
// two-valued enum.
func PDModeCommand(pdMode int) string {
	if pdMode == 2 {
		return CmdPDMode2
	}
	return CmdPDMode1
}
