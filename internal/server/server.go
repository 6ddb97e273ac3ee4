package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gaslessrelay/internal/config"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/logger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/middleware"
	"gaslessrelay/internal/relay"
	"gaslessrelay/internal/txstore"
)

const (
	maxBodyBytes = 64 << 10
	probeTimeout = 2 * time.Second
	queryTimeout = 10 * time.Second
)

type Server struct {
	cfg         *config.AppConfig
	pipeline    *relay.Pipeline
	metrics     *metrics.Registry
	log         logger.Logger
	hmac        *middleware.Verifier
	limiter     *middleware.RateLimiter
	handler     http.Handler
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, pipeline *relay.Pipeline, store txstore.Store, m *metrics.Registry, log logger.Logger) *Server {
	if m == nil {
		m = metrics.NewRegistry()
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  m,
		log:      log,
		hmac: middleware.NewVerifier(middleware.VerifierConfig{
			Secret:          cfg.Service.HMACSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: cfg.Service.HMACSignatureHeader,
			TimestampHeader: cfg.Service.HMACTimestampHeader,
		}),
		limiter:     middleware.NewRateLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst),
		rpcHealthFn: pipeline.Ping,
	}
	if checker, ok := store.(txstore.Pinger); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /submit", s.instrument("submit", s.hmac.Middleware(http.HandlerFunc(s.handleSubmit))))
	mux.Handle("POST /estimate-fee", s.instrument("estimate-fee", http.HandlerFunc(s.handleEstimateFee)))
	mux.Handle("GET /transaction/{txId}", s.instrument("transaction", http.HandlerFunc(s.handleTransaction)))
	mux.Handle("GET /relayer-status", s.instrument("relayer-status", http.HandlerFunc(s.handleRelayerStatus)))
	mux.Handle("GET /check-relayer", s.instrument("relayer-status", http.HandlerFunc(s.handleRelayerStatus)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", m.Handler())

	s.handler = middleware.Chain(mux,
		middleware.RequestID,
		middleware.SecurityHeaders,
		middleware.CORS(cfg.Service.AllowedOrigins, s.hmac.Headers()...),
		s.limiter.Middleware,
	)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.Info("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type submitResponse struct {
	TxID              string `json:"txId"`
	Status            string `json:"status"`
	LedgerHandle      string `json:"ledgerHandle,omitempty"`
	BlockHeight       uint64 `json:"blockHeight,omitempty"`
	ExecutionCostPaid string `json:"executionCostPaid,omitempty"`
}

type failureResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason"`
	TxID         string `json:"txId"`
	Status       string `json:"status"`
	LedgerHandle string `json:"ledgerHandle,omitempty"`
	Retryable    bool   `json:"retryable"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req intent.Request
	if !s.decode(w, r, &req) {
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		txID, _, err := s.pipeline.Start(r.Context(), req)
		if err != nil {
			s.writeStartError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{TxID: txID, Status: string(txstore.StatusPending)})
		return
	}

	txID, res, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		if txID == "" {
			s.writeStartError(w, err)
			return
		}
		// The caller left before the pipeline finished; report what is stored.
		s.writeRecord(r.Context(), w, txID)
		return
	}

	rec := res.Record
	if res.Failure == nil {
		writeJSON(w, http.StatusAccepted, submitResponse{
			TxID:              rec.TxID,
			Status:            string(rec.Status),
			LedgerHandle:      rec.LedgerHandle,
			BlockHeight:       rec.BlockHeight,
			ExecutionCostPaid: rec.ExecutionCostPaid,
		})
		return
	}

	writeJSON(w, failureStatus(res.Failure), failureResponse{
		Error:        res.Failure.Error(),
		Reason:       res.Failure.Reason,
		TxID:         rec.TxID,
		Status:       string(rec.Status),
		LedgerHandle: rec.LedgerHandle,
		Retryable:    res.Failure.Retryable(),
	})
}

// failureStatus maps a terminal pipeline failure to its HTTP status.
func failureStatus(f *relay.Failure) int {
	switch f.Reason {
	case relay.ReasonUnauthorizedSubmitter:
		return http.StatusForbidden
	case relay.ReasonSubmitterUnderfunded:
		return http.StatusPaymentRequired
	case relay.ReasonStaleNonce:
		return http.StatusConflict
	}
	switch f.Class {
	case relay.ClassExecution:
		return http.StatusUnprocessableEntity
	case relay.ClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var verr *intent.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr)
	case errors.Is(err, relay.ErrShuttingDown):
		middleware.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("submit: could not record intent: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "could not record intent",
			"reason": relay.ReasonStoreUnavailable,
		})
	}
}

func (s *Server) writeRecord(ctx context.Context, w http.ResponseWriter, txID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	rec, err := s.pipeline.Lookup(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, submitResponse{TxID: txID, Status: string(txstore.StatusPending)})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		TxID:         rec.TxID,
		Status:       string(rec.Status),
		LedgerHandle: rec.LedgerHandle,
	})
}

type estimateResponse struct {
	GasLimit           string `json:"gasLimit"`
	UnitPrice          string `json:"unitPrice,omitempty"`
	MaxFee             string `json:"maxFee,omitempty"`
	MaxPriorityFee     string `json:"maxPriorityFee,omitempty"`
	EstimatedTotalCost string `json:"estimatedTotalCost"`
}

func (s *Server) handleEstimateFee(w http.ResponseWriter, r *http.Request) {
	var req intent.Request
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	quote, err := s.pipeline.Quote(ctx, req)
	if err != nil {
		var (
			verr    *intent.ValidationError
			revert  *ledger.ExecutionError
			failure *relay.Failure
		)
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, verr)
		case errors.As(err, &revert):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error(), "reason": revert.Reason})
		case errors.As(err, &failure):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error(), "reason": failure.Reason})
		default:
			s.log.Notice("estimate-fee: %v", err)
			middleware.WriteError(w, http.StatusServiceUnavailable, "ledger unavailable: "+err.Error())
		}
		return
	}

	resp := estimateResponse{
		GasLimit:           strconv.FormatUint(quote.Settings.GasLimit, 10),
		EstimatedTotalCost: quote.EstimatedTotalCost.String(),
	}
	if quote.Settings.IsDynamic() {
		resp.MaxFee = quote.Settings.MaxFee.String()
		resp.MaxPriorityFee = quote.Settings.MaxPriorityFee.String()
	} else {
		resp.UnitPrice = quote.Settings.UnitPrice().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("txId")
	rec, err := s.pipeline.Lookup(r.Context(), txID)
	switch {
	case errors.Is(err, txstore.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "transaction not found")
	case err != nil:
		s.log.Error("lookup %s: %v", txID, err)
		middleware.WriteError(w, http.StatusServiceUnavailable, "status store unavailable")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

type relayerStatusResponse struct {
	SubmitterAddress string `json:"submitterAddress"`
	IsAuthorized     bool   `json:"isAuthorized"`
	SpendableBalance string `json:"spendableBalance"`
	MinimumReserve   string `json:"minimumReserve"`
	Underfunded      bool   `json:"underfunded"`
}

func (s *Server) handleRelayerStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	status, err := s.pipeline.Status(ctx)
	if err != nil {
		s.log.Notice("relayer-status: %v", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, relayerStatusResponse{
		SubmitterAddress: status.SubmitterAddress,
		IsAuthorized:     status.IsAuthorized,
		SpendableBalance: status.SpendableBalance.String(),
		MinimumReserve:   status.MinimumReserve.String(),
		Underfunded:      status.Underfunded(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	start := time.Now()
	rpcCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.rpcHealthFn(rpcCtx); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.Connected = true
		rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: s.pipeline.DeadLetterDepth(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, intent.ValidationError{
			Code:    intent.CodeMalformedBody,
			Message: "invalid json payload: " + err.Error(),
		})
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.IncRequest(route, rec.code)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
