package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/emergency"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/orchestrator"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	walletA = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	walletB = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

type fakeController struct {
	emergencyErr error
	transferErr  error
	transferKind models.TokenKind
	scanned      []common.Address
	scannedAll   int
	funded       []common.Address
	cleared      time.Duration
	errorLimit   int
	resets       int
	restarts     int
}

func (f *fakeController) Status(_ context.Context) orchestrator.Status {
	return orchestrator.Status{Wallets: []common.Address{walletA}, ErrorsLastHour: 2}
}

func (f *fakeController) EmergencyStatus() (emergency.Status, *models.EmergencyResult) {
	return emergency.Status{Active: true, Wallet: &walletA}, &models.EmergencyResult{Reason: models.ReasonTimeout}
}

func (f *fakeController) InspectWallet(_ context.Context, wallet common.Address) (orchestrator.WalletReport, error) {
	if wallet != walletA {
		return orchestrator.WalletReport{}, fmt.Errorf("%w: %s", orchestrator.ErrUnknownWallet, wallet.Hex())
	}
	return orchestrator.WalletReport{Wallet: wallet}, nil
}

func (f *fakeController) ScanWallet(ctx context.Context, wallet common.Address) (orchestrator.WalletReport, error) {
	f.scanned = append(f.scanned, wallet)
	return f.InspectWallet(ctx, wallet)
}

func (f *fakeController) ScanAll(_ context.Context) orchestrator.RoundReport {
	f.scannedAll++
	return orchestrator.RoundReport{Round: "manual", Scanned: 1}
}

func (f *fakeController) StartEmergency(_ context.Context, wallet common.Address) (orchestrator.EmergencyStart, error) {
	if f.emergencyErr != nil {
		return orchestrator.EmergencyStart{}, f.emergencyErr
	}
	return orchestrator.EmergencyStart{Wallet: wallet}, nil
}

func (f *fakeController) StopEmergency(_ context.Context) (*common.Address, error) {
	return &walletA, nil
}

func (f *fakeController) RunTransfer(_ context.Context, wallet common.Address, kind models.TokenKind) (models.TransferResult, error) {
	f.transferKind = kind
	if f.transferErr != nil {
		return models.TransferResult{}, f.transferErr
	}
	return models.TransferResult{Success: true, Completed: true, Wallet: wallet, TokenKind: kind}, nil
}

func (f *fakeController) FundWallets(_ context.Context, wallet *common.Address) (models.FundReport, error) {
	targets := []common.Address{walletA}
	if wallet != nil {
		if *wallet != walletA {
			return models.FundReport{}, orchestrator.ErrUnknownWallet
		}
		targets = []common.Address{*wallet}
	}
	f.funded = append(f.funded, targets...)
	return models.FundReport{Checked: len(targets), Funded: len(targets)}, nil
}

func (f *fakeController) ValidKind(kind models.TokenKind) bool {
	return kind == models.KindAll || kind == models.KindNative || kind == "wkeydao"
}

func (f *fakeController) RecentErrors(_ context.Context, limit int) ([]models.ErrorEvent, int, error) {
	f.errorLimit = limit
	return []models.ErrorEvent{{Wallet: walletA, Message: "boom"}}, 1, nil
}

func (f *fakeController) ClearErrors(_ context.Context, olderThan time.Duration) (int64, error) {
	f.cleared = olderThan
	return 3, nil
}

func (f *fakeController) Restart(_ context.Context) (orchestrator.RestartReport, error) {
	f.restarts++
	return orchestrator.RestartReport{ReleasedLocks: []string{lock.KeyEmergency}}, nil
}

func (f *fakeController) ResetCircuits() {
	f.resets++
}

func newTestServer(ctrl *fakeController, apiKey string, ready ReadyFunc) http.Handler {
	return NewServer(Config{Port: "0", APIKey: apiKey, MetricsAPIKey: "metrics-key"}, ctrl, ready, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, key string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestProbes(t *testing.T) {
	ctrl := &fakeController{}

	t.Run("health", func(t *testing.T) {
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("ready", func(t *testing.T) {
		rec, _ := do(t, newTestServer(ctrl, "", func(context.Context) error { return nil }), http.MethodGet, "/ready", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not ready when the store is down", func(t *testing.T) {
		h := newTestServer(ctrl, "", func(context.Context) error { return errors.New("connection refused") })
		rec, body := do(t, h, http.MethodGet, "/ready", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "connection refused", body["error"])
	})

	t.Run("wrong method", func(t *testing.T) {
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/health", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestReadRoutes(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(ctrl, "secret", nil)

	rec, body := do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["errors_last_hour"])

	rec, body = do(t, h, http.MethodGet, "/emergency", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["emergency"].(map[string]interface{})["active"])
	assert.Equal(t, models.ReasonTimeout, body["last"].(map[string]interface{})["reason"])

	rec, _ = do(t, h, http.MethodGet, "/wallet?address="+walletA.Hex(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/wallet?address="+walletB.Hex(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/wallet?address=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid address", body["error"])

	rec, _ = do(t, h, http.MethodGet, "/wallet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(ctrl, "secret", nil)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing header", header: "", code: http.StatusUnauthorized},
		{name: "bad format", header: "Basic secret", code: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer other", code: http.StatusUnauthorized},
		{name: "valid key", header: "Bearer secret", code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/circuit/reset", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
	assert.Equal(t, 1, ctrl.resets)

	t.Run("metrics use their own key", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodGet, "/metrics", "secret")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = do(t, h, http.MethodGet, "/metrics", "metrics-key")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no key leaves triggers open", func(t *testing.T) {
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/circuit/reset", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestEmergencyRoutes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "started", code: http.StatusOK},
		{name: "unknown wallet", err: orchestrator.ErrUnknownWallet, code: http.StatusNotFound},
		{name: "lock held elsewhere", err: lock.ErrLockHeld, code: http.StatusConflict},
		{name: "registry full", err: tasks.ErrRegistryFull, code: http.StatusServiceUnavailable},
		{name: "internal", err: errors.New("redis down"), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeController{emergencyErr: tt.err}, "secret", nil)
			rec, body := do(t, h, http.MethodPost, "/emergency/enable?address="+walletA.Hex(), "secret")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.err == nil, body["success"])
		})
	}

	h := newTestServer(&fakeController{}, "secret", nil)
	rec, body := do(t, h, http.MethodPost, "/emergency/disable", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, walletA, common.HexToAddress(body["stopped"].(string)))

	rec, _ = do(t, h, http.MethodGet, "/emergency/enable?address="+walletA.Hex(), "secret")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestScanRoute(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(ctrl, "", nil)

	rec, body := do(t, h, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual", body["round"])
	assert.Equal(t, 1, ctrl.scannedAll)

	rec, _ = do(t, h, http.MethodPost, "/scan?address="+walletA.Hex(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []common.Address{walletA}, ctrl.scanned)

	rec, _ = do(t, h, http.MethodPost, "/scan?address=0x12", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferRoute(t *testing.T) {
	t.Run("defaults to every asset", func(t *testing.T) {
		ctrl := &fakeController{}
		rec, body := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/transfer?address="+walletA.Hex(), "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, models.KindAll, ctrl.transferKind)
	})

	t.Run("token is case insensitive", func(t *testing.T) {
		ctrl := &fakeController{}
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/transfer?address="+walletA.Hex()+"&token=WKEYDAO", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.TokenKind("wkeydao"), ctrl.transferKind)
	})

	t.Run("unknown token", func(t *testing.T) {
		rec, body := do(t, newTestServer(&fakeController{}, "", nil), http.MethodPost, "/transfer?address="+walletA.Hex()+"&token=doge", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unknown token doge", body["error"])
	})

	t.Run("already running", func(t *testing.T) {
		ctrl := &fakeController{transferErr: fmt.Errorf("transfer %s: %w", walletA.Hex(), tasks.ErrTaskRunning)}
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/transfer?address="+walletA.Hex(), "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("timed out", func(t *testing.T) {
		ctrl := &fakeController{transferErr: context.DeadlineExceeded}
		rec, _ := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/transfer?address="+walletA.Hex(), "")
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})
}

func TestFundRoute(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(ctrl, "", nil)

	rec, body := do(t, h, http.MethodPost, "/fund", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["report"].(map[string]interface{})["funded"])

	rec, _ = do(t, h, http.MethodPost, "/fund?address="+walletB.Hex(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []common.Address{walletA}, ctrl.funded)
}

func TestErrorsRoute(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestServer(ctrl, "", nil)

	rec, body := do(t, h, http.MethodGet, "/errors", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["last_hour"])
	assert.Len(t, body["errors"], 1)
	assert.Equal(t, defaultErrorLimit, ctrl.errorLimit)

	rec, _ = do(t, h, http.MethodGet, "/errors?limit=5000", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxErrorLimit, ctrl.errorLimit)

	rec, _ = do(t, h, http.MethodGet, "/errors?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/errors?older_than=2h", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["deleted"])
	assert.Equal(t, 2*time.Hour, ctrl.cleared)

	rec, _ = do(t, h, http.MethodPost, "/errors", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultErrorAge, ctrl.cleared)

	rec, _ = do(t, h, http.MethodPost, "/errors?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/errors", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRestartRoute(t *testing.T) {
	ctrl := &fakeController{}
	rec, body := do(t, newTestServer(ctrl, "", nil), http.MethodPost, "/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, ctrl.restarts)
}
