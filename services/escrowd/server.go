package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"escrowchain/core/state"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
	"escrowchain/observability"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
)

const (
	maxRequestBody = 1 << 20 // 1 MiB
	maxEventsPage  = 500
)

var (
	errRateLimited   = errors.New("rate limit exceeded")
	errInvalidAmount = errors.New("amount must be a base-10 unsigned integer")
	errUnknownRuling = errors.New(`decision must be "release" or "refund"`)
)

// Options configures the gateway.
type Options struct {
	Skew      time.Duration
	RateLimit RateLimit
	Logger    *slog.Logger
	Metrics   *observability.EscrowMetrics
	ReadAuth  ReadAuth
	Now       func() time.Time
}

// Server is the HTTP front-end of a single escrow instance.
type Server struct {
	instance *Instance
	manager  *state.Manager
	journal  *Journal
	hub      *Hub
	auth     *Authenticator
	readAuth ReadAuth
	limiter  *RateLimiter
	metrics  *observability.EscrowMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	ops      metric.Int64Counter
	now      func() time.Time
}

// NewServer wires the gateway around an opened instance.
func NewServer(instance *Instance, manager *state.Manager, journal *Journal, opts Options) (*Server, error) {
	if instance == nil || instance.Machine == nil || instance.Vault == nil {
		return nil, errors.New("escrowd: escrow instance required")
	}
	if manager == nil {
		return nil, errors.New("escrowd: state manager required")
	}
	if journal == nil {
		return nil, errors.New("escrowd: journal required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		instance: instance,
		manager:  manager,
		journal:  journal,
		hub:      NewHub(),
		auth:     NewAuthenticator(opts.Skew, opts.Now),
		readAuth: opts.ReadAuth,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "escrowd")),
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
	s.limiter = NewRateLimiter(opts.RateLimit, s.metrics.RecordThrottle)
	if opts.Now != nil {
		s.limiter.clockNow = opts.Now
		s.now = opts.Now
	}
	journal.OnAppend(s.hub.Publish)
	ops, err := telemetry.Meter().Int64Counter("escrow.operations",
		metric.WithDescription("Escrow operations by outcome"))
	if err != nil {
		s.logger.Warn("otel counter unavailable", slog.Any("error", err))
	}
	s.ops = ops
	s.refreshGauges()
	return s, nil
}

// Handler returns the routed gateway.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/escrow", s.handleEscrow)
	r.Get("/accounts/{address}", s.handleAccount)

	r.Group(func(r chi.Router) {
		r.Use(s.requireRead)
		r.Get("/escrow/events", s.handleEvents)
		r.Get("/escrow/events/stream", s.handleEventStream)
		r.Get("/escrow/journal/verify", s.handleVerify)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limiter.Middleware)
		r.Post("/escrow/deposit", s.operation(escrow.OpDeposit, s.deposit))
		r.Post("/escrow/confirm", s.operation(escrow.OpConfirmReceipt, s.confirm))
		r.Post("/escrow/dispute", s.operation(escrow.OpRaiseDispute, s.dispute))
		r.Post("/escrow/arbitrate", s.operation(escrow.OpArbitrate, s.arbitrate))
		r.Post("/escrow/cancel", s.operation(escrow.OpCancel, s.cancel))
	})
	return r
}

// EscrowView is the JSON rendering of the instance.
type EscrowView struct {
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Arbitrator     string `json:"arbitrator"`
	Custody        string `json:"custody"`
	Amount         string `json:"amount"`
	CustodyBalance string `json:"custodyBalance,omitempty"`
	State          string `json:"state"`
	Terminal       bool   `json:"terminal"`
}

func (s *Server) view() EscrowView {
	snap := s.instance.Machine.Snapshot()
	return EscrowView{
		Sender:         snap.Parties.Sender.String(),
		Receiver:       snap.Parties.Receiver.String(),
		Arbitrator:     snap.Parties.Arbitrator.String(),
		Custody:        s.instance.Vault.Custody().String(),
		Amount:         snap.Amount.Dec(),
		CustodyBalance: s.custodyBalance(),
		State:          snap.State.String(),
		Terminal:       snap.State.Terminal(),
	}
}

// custodyBalance is empty when the ledger cannot be read.
func (s *Server) custodyBalance() string {
	bal, err := s.instance.Vault.CustodyBalance()
	if err != nil {
		s.logger.Error("read custody balance", slog.Any("error", err))
		return ""
	}
	return bal.Dec()
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseQueryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := parseQueryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.journal.List(r.Context(), after, int(limit))
	if err != nil {
		s.logger.Error("list journal", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	checked, err := s.journal.Verify(r.Context())
	if err != nil {
		if errors.Is(err, ErrJournalTampered) {
			s.logger.Error("journal verification failed", slog.Int("checked", checked), slog.Any("error", err))
			writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "checked": checked, "error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "checked": checked})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	id, err := crypto.DecodeEscrowAddress(address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	balance, err := s.manager.Balance(id)
	if err != nil {
		s.logger.Error("load balance", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address, "balance": balance.Dec()})
}

type callerKey struct{}
type bodyKey struct{}

func callerFromContext(ctx context.Context) (escrow.Identity, bool) {
	id, ok := ctx.Value(callerKey{}).(escrow.Identity)
	return id, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		caller, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.metrics.RecordThrottle("auth")
			s.logger.Warn("rejected request signature",
				slog.String("path", r.URL.Path),
				logging.MaskField("signature", r.Header.Get(HeaderSignature)),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		ctx = context.WithValue(ctx, bodyKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type operationFunc func(caller escrow.Identity, body []byte) error

// operation runs fn for the authenticated caller, then persists the snapshot
// and records telemetry.
func (s *Server) operation(op escrow.Operation, fn operationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFromContext(r.Context())
		body, _ := r.Context().Value(bodyKey{}).([]byte)

		_, span := s.tracer.Start(r.Context(), "escrow."+string(op),
			trace.WithAttributes(attribute.String("escrow.caller", caller.String())))
		defer span.End()

		start := time.Now()
		err := fn(caller, body)
		kind := escrow.Kind(err)
		switch {
		case errors.Is(err, state.ErrInsufficientFunds):
			kind = "insufficient_funds"
		case errors.Is(err, errBadRequest):
			kind = "bad_request"
		}
		s.metrics.ObserveOperation(string(op), kind, time.Since(start))
		outcome := attribute.String("escrow.outcome", kind)
		if s.ops != nil {
			s.ops.Add(r.Context(), 1, metric.WithAttributes(attribute.String("escrow.operation", string(op)), outcome))
		}
		span.SetAttributes(outcome)

		attrs := []any{
			slog.String("operation", string(op)),
			slog.String("caller", caller.String()),
			slog.String("outcome", kind),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			status := statusFor(err)
			switch {
			case status >= http.StatusInternalServerError:
				s.logger.Error("escrow operation failed", append(attrs, slog.Any("error", err))...)
			default:
				s.logger.Warn("escrow operation rejected", append(attrs, slog.Any("error", err))...)
			}
			writeError(w, status, err)
			return
		}

		if err := s.manager.EscrowPut(s.instance.Machine.Snapshot()); err != nil {
			s.logger.Error("persist escrow snapshot", append(attrs, slog.Any("error", err))...)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("persist snapshot: %w", err))
			return
		}
		s.refreshGauges()
		view := s.view()
		s.logger.Info("escrow operation applied", append(attrs, slog.String("state", view.State))...)
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) refreshGauges() {
	names := make([]string, 0, 6)
	for _, st := range escrow.States() {
		names = append(names, st.String())
	}
	s.metrics.SetState(s.instance.Machine.State().String(), names)
	bal, err := s.instance.Vault.CustodyBalance()
	if err != nil {
		s.logger.Error("read custody balance", slog.Any("error", err))
		return
	}
	s.metrics.SetCustody(bal)
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type arbitrateRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) deposit(caller escrow.Identity, body []byte) error {
	var req depositRequest
	if err := decodeJSON(body, &req); err != nil {
		return err
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, errInvalidAmount)
	}
	return s.instance.Vault.Deposit(s.instance.Machine, caller, amount)
}

func (s *Server) confirm(caller escrow.Identity, _ []byte) error {
	return s.instance.Machine.ConfirmReceipt(caller)
}

func (s *Server) dispute(caller escrow.Identity, _ []byte) error {
	return s.instance.Machine.RaiseDispute(caller)
}

func (s *Server) cancel(caller escrow.Identity, _ []byte) error {
	return s.instance.Machine.Cancel(caller)
}

func (s *Server) arbitrate(caller escrow.Identity, body []byte) error {
	var req arbitrateRequest
	if err := decodeJSON(body, &req); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "release":
		return s.instance.Machine.Arbitrate(caller, true)
	case "refund":
		return s.instance.Machine.Arbitrate(caller, false)
	default:
		return fmt.Errorf("%w: %w", errBadRequest, errUnknownRuling)
	}
}

var errBadRequest = errors.New("bad request")

func decodeJSON(body []byte, out interface{}) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: invalid JSON payload: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps escrow error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidParties):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, state.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseQueryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
