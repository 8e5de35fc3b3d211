// Package health serves the health, status, manual trigger and metrics routes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/sentinel/pkg/emergency"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/orchestrator"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
)

const (
	defaultErrorLimit = 10
	maxErrorLimit     = 100
	defaultErrorAge   = 24 * time.Hour
)

// Controller is the part of the orchestrator the routes drive
type Controller interface {
	Status(ctx context.Context) orchestrator.Status
	EmergencyStatus() (emergency.Status, *models.EmergencyResult)
	InspectWallet(ctx context.Context, wallet common.Address) (orchestrator.WalletReport, error)
	ScanWallet(ctx context.Context, wallet common.Address) (orchestrator.WalletReport, error)
	ScanAll(ctx context.Context) orchestrator.RoundReport
	StartEmergency(ctx context.Context, wallet common.Address) (orchestrator.EmergencyStart, error)
	StopEmergency(ctx context.Context) (*common.Address, error)
	RunTransfer(ctx context.Context, wallet common.Address, kind models.TokenKind) (models.TransferResult, error)
	FundWallets(ctx context.Context, wallet *common.Address) (models.FundReport, error)
	ValidKind(kind models.TokenKind) bool
	RecentErrors(ctx context.Context, limit int) ([]models.ErrorEvent, int, error)
	ClearErrors(ctx context.Context, olderThan time.Duration) (int64, error)
	Restart(ctx context.Context) (orchestrator.RestartReport, error)
	ResetCircuits()
}

var _ Controller = (*orchestrator.Service)(nil)

// ReadyFunc reports whether the service can take work, e.g. by pinging the datastore
type ReadyFunc func(ctx context.Context) error

// Config holds the server settings
type Config struct {
	Port          string
	APIKey        string
	MetricsAPIKey string
}

// Server represents the HTTP server
type Server struct {
	cfg        Config
	controller Controller
	ready      ReadyFunc
	logger     logger.Logger
	srv        *http.Server
}

// NewServer creates a new server
func NewServer(cfg Config, controller Controller, ready ReadyFunc, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	s := &Server{cfg: cfg, controller: controller, ready: ready, logger: log}
	s.srv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	mux.HandleFunc("/ready", s.only(http.MethodGet, s.handleReady))
	mux.HandleFunc("/status", s.only(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/wallet", s.only(http.MethodGet, s.handleWallet))
	mux.HandleFunc("/emergency", s.only(http.MethodGet, s.handleEmergency))

	mux.Handle("/emergency/enable", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleEmergencyEnable)))
	mux.Handle("/emergency/disable", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleEmergencyDisable)))
	mux.Handle("/scan", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleScan)))
	mux.Handle("/transfer", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleTransfer)))
	mux.Handle("/fund", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleFund)))
	mux.Handle("/errors", s.auth(s.cfg.APIKey, http.HandlerFunc(s.handleErrors)))
	mux.Handle("/restart", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleRestart)))
	mux.Handle("/circuit/reset", s.auth(s.cfg.APIKey, s.only(http.MethodPost, s.handleCircuitReset)))

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.auth(s.cfg.MetricsAPIKey, promhttp.Handler()))
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	if s.cfg.APIKey == "" {
		s.logger.Notice("API_KEY not set, trigger routes are unauthenticated")
	}
	s.logger.Info("Starting HTTP server on port %s", s.cfg.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// auth checks for a bearer key; an empty key leaves the route open
func (s *Server) auth(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}
		if parts[1] != key {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r, true)
	if !ok {
		return
	}
	report, err := s.controller.InspectWallet(r.Context(), *wallet)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmergency(w http.ResponseWriter, _ *http.Request) {
	status, last := s.controller.EmergencyStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency": status,
		"last":      last,
	})
}

func (s *Server) handleEmergencyEnable(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r, true)
	if !ok {
		return
	}
	start, err := s.controller.StartEmergency(r.Context(), *wallet)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.NoticeWithWallet(wallet.Hex(), "Emergency enabled manually")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "emergency": start})
}

func (s *Server) handleEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.controller.StopEmergency(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "stopped": stopped})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r, false)
	if !ok {
		return
	}
	if wallet == nil {
		writeJSON(w, http.StatusOK, s.controller.ScanAll(r.Context()))
		return
	}
	report, err := s.controller.ScanWallet(r.Context(), *wallet)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r, true)
	if !ok {
		return
	}
	kind := models.KindAll
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		kind = models.TokenKind(strings.ToLower(token))
	}
	if !s.controller.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, "unknown token "+string(kind))
		return
	}

	result, err := s.controller.RunTransfer(r.Context(), *wallet, kind)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r, false)
	if !ok {
		return
	}
	report, err := s.controller.FundWallets(r.Context(), wallet)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": len(report.Errors) == 0, "report": report})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := defaultErrorLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxErrorLimit)
		}
		errs, count, err := s.controller.RecentErrors(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"errors": errs, "last_hour": count})
	case http.MethodPost:
		age := defaultErrorAge
		if v := r.URL.Query().Get("older_than"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid older_than duration")
				return
			}
			age = d
		}
		deleted, err := s.controller.ClearErrors(r.Context(), age)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": deleted})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	report, err := s.controller.Restart(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "restart": report})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, _ *http.Request) {
	s.controller.ResetCircuits()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// walletParam parses the address query parameter, writing a 400 when it is invalid
// or missing while required
func walletParam(w http.ResponseWriter, r *http.Request, required bool) (*common.Address, bool) {
	value := strings.TrimSpace(r.URL.Query().Get("address"))
	if value == "" {
		if required {
			writeError(w, http.StatusBadRequest, "missing address parameter")
			return nil, false
		}
		return nil, true
	}
	if !common.IsHexAddress(value) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return nil, false
	}
	wallet := common.HexToAddress(value)
	return &wallet, true
}

// statusFor maps controller errors to response codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownWallet):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrLockHeld), errors.Is(err, tasks.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrRegistryFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrFundingDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
