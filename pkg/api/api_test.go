package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargie-project/chargied/pkg/ble"
	"github.com/chargie-project/chargied/pkg/bus"
	"github.com/chargie-project/chargied/pkg/engine"
)

// stubTransport never produces a device: every test here exercises the
// control surface's validation and wiring, not the BLE lifecycle, so scan
// always comes back empty.
type stubTransport struct{}

func (stubTransport) OnStateChange(ble.StateChangeFunc)   {}
func (stubTransport) OnUnsolicited(ble.UnsolicitedFunc)   {}
func (stubTransport) State() ble.ConnectionState          { return ble.StateDisconnected }
func (stubTransport) DeviceName() string                  { return "" }
func (stubTransport) Scan(ctx context.Context) (string, bool, error) {
	return "", false, nil
}
func (stubTransport) Connect(ctx context.Context, addr string) error { return nil }
func (stubTransport) Disconnect() error                              { return nil }
func (stubTransport) SendCommand(ctx context.Context, cmd string) (string, error) {
	return "", nil
}

type stubBattery struct{}

func (stubBattery) ReadPercent() *int    { return nil }
func (stubBattery) ReadStatus() *string  { return nil }

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(stubTransport{}, stubBattery{}, engine.DefaultChargeConfig())
	return New(eng, bus.New()), eng
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["phase"])
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleSettingsGetReflectsConfig(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 80, body["charge_max"])
}

func TestHandleSettingsPutAppliesValidChange(t *testing.T) {
	s, eng := newTestServer(t)

	payload, _ := json.Marshal(map[string]int{"charge_max": 90})
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 90, eng.Config().ChargeMax)
}

func TestHandleSettingsPutRejectsInvalidChange(t *testing.T) {
	s, eng := newTestServer(t)

	payload, _ := json.Marshal(map[string]int{"charge_min": 99})
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 75, eng.Config().ChargeMin)
}

func TestHandleOverrideRejectsUnknownModeWithBadRequest(t *testing.T) {
	s, _ := newTestServer(t)

	payload, _ := json.Marshal(map[string]string{"mode": "sideways"})
	req := httptest.NewRequest(http.MethodPost, "/api/override", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleShutdownClosesChannel(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/shutdown", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	select {
	case <-s.ShutdownRequested():
	default:
		t.Fatal("expected shutdown channel to be closed")
	}
}

func TestHandleChartReturnsEmptyHistoryInitially(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chart", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var history engine.ChartHistory
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	assert.Empty(t, history.Percents)
}
