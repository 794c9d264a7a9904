package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetryOrdersAmpsBeforeVolts(t *testing.T) {
	tel, err := ParseTelemetry("OK+STAT:1.50/9.00")
	require.NoError(t, err)
	assert.Equal(t, 1.50, tel.Amps)
	assert.Equal(t, 9.00, tel.Volts)
	assert.Equal(t, 13.5, tel.Watts())
}

func TestParseTelemetryRejectsWrongKey(t *testing.T) {
	_, err := ParseTelemetry("OK+CAPA:3")
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseTelemetryRejectsMalformedPayload(t *testing.T) {
	_, err := ParseTelemetry("OK+STAT:notanumber")
	require.Error(t, err)
}

func TestParseCapabilitiesDecodesBitmask(t *testing.T) {
	caps, err := ParseCapabilities("OK+CAPA:3")
	require.NoError(t, err)
	assert.Equal(t, 3, caps.Raw)
	assert.True(t, caps.PD)
	assert.True(t, caps.FET2)
	assert.False(t, caps.Auto)
}

func TestParsePowerState(t *testing.T) {
	on, err := ParsePowerState("OK+PIO2:1")
	require.NoError(t, err)
	assert.True(t, on)

	off, err := ParsePowerState("OK+PIO2:0")
	require.NoError(t, err)
	assert.False(t, off)

	_, err = ParsePowerState("OK+PIO2:x")
	assert.Error(t, err)
}

func TestParseFirmwareAndHardware(t *testing.T) {
	fw, err := ParseFirmware("OK+FWVR:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", fw)

	hw, err := ParseHardware("OK+HWVR:revB")
	require.NoError(t, err)
	assert.Equal(t, "revB", hw)
}

func TestParseRejectsMissingOKPrefix(t *testing.T) {
	_, err := ParseTelemetry("ERR+STAT:1/2")
	require.Error(t, err)
}

func TestExpectedResponseKeyStripsTrailingDigit(t *testing.T) {
	assert.Equal(t, "PIO2", ExpectedResponseKey(CmdPowerOff))
	assert.Equal(t, "PIO2", ExpectedResponseKey(CmdPowerOn))
	assert.Equal(t, "PDMO", ExpectedResponseKey(CmdPDMode1))
	assert.Equal(t, "PDMO", ExpectedResponseKey(CmdPDMode2))
	assert.Equal(t, "STAT", ExpectedResponseKey(CmdStat))
}

func TestExpectedResponseKeyFallsBackForUnknownCommand(t *testing.T) {
	assert.Equal(t, "FOO", ExpectedResponseKey("AT+FOO1"))
}

func TestResponseKeyExtraction(t *testing.T) {
	assert.Equal(t, "STAT", ResponseKey("OK+STAT:1/2"))
	assert.Equal(t, "PIO2", ResponseKey("OK+PIO2:1"))
}

func TestPDModeCommand(t *testing.T) {
	assert.Equal(t, CmdPDMode2, PDModeCommand(2))
	assert.Equal(t, CmdPDMode1, PDModeCommand(1))
	assert.Equal(t, CmdPDMode1, PDModeCommand(0))
}
