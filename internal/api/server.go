package api

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

	"refengine/internal/auth"
	"refengine/internal/config"
	"refengine/internal/metrics"
	"refengine/internal/policy"
	"refengine/internal/queue"
	"refengine/internal/rewards"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Engine interface {
	Distribute(ctx context.Context, in rewards.DistributeInput) (rewards.DistributionResult, error)
	EvaluateMilestones(ctx context.Context, sponsorID, triggerReferralID string) (rewards.MilestoneResult, error)
}

// Store is the read side and admin side of the ledger.
type Store interface {
	rewards.TreeBuilder
	Balance(ctx context.Context, userID string) (rewards.Balance, error)
	CommissionHistory(ctx context.Context, userID string, limit int) ([]rewards.CommissionEntry, error)
	MilestoneClaims(ctx context.Context, userID string) ([]rewards.MilestoneClaim, error)
	Reconcile(ctx context.Context, userID string) (rewards.ReconciliationReport, error)
	ReplacePolicy(ctx context.Context, snap rewards.PolicySnapshot) error
}

type Publisher interface {
	Enqueue(ctx context.Context, t queue.Trigger) error
}

type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (auth.Caller, error)
}

type Deps struct {
	Engine Engine
	Store  Store
	Auth   TokenVerifier
	// Queue may be nil when no Redis is configured; /v1/events then answers 503.
	Queue Publisher
	// PolicyCache is flushed after a policy replacement.
	PolicyCache interface{ Invalidate() }
	// PolicyNotifier tells other processes, the worker included, to flush
	// their policy caches. Without it they catch up when their cache expires.
	PolicyNotifier PolicyNotifier
	Health         func(ctx context.Context) error
}

type PolicyNotifier interface {
	NotifyPolicyChanged(ctx context.Context) error
}

type Server struct {
	cfg  config.APIConfig
	log  *slog.Logger
	deps Deps
	mux  *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		deps: deps,
		mux:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/commissions/distribute", s.handleDistribute)
		r.Post("/milestones/evaluate", s.handleEvaluateMilestones)
		r.Post("/events", s.handleEnqueue)

		r.Get("/balances/{user_id}", s.handleBalance)
		r.Get("/commissions/{user_id}", s.handleCommissionHistory)
		r.Get("/milestones/{user_id}", s.handleMilestoneClaims)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconciliation", s.handleReconciliation)
			r.Put("/policy", s.handleReplacePolicy)
			r.Post("/tree/{user_id}/rebuild", s.handleTreeRebuild)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.deps.Auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var in struct {
		EventID       string          `json:"event_id"`
		EarnerID      string          `json:"earner_id"`
		EarningAmount decimal.Decimal `json:"earning_amount"`
		EarningType   string          `json:"earning_type"`
		Metadata      map[string]any  `json:"metadata"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.EventID == "" {
		in.EventID = idempotencyKey(r)
	}
	if err := requireUUID("earner_id", in.EarnerID); err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.deps.Engine.Distribute(r.Context(), rewards.DistributeInput{
		EventID:     in.EventID,
		EarnerID:    in.EarnerID,
		Amount:      in.EarningAmount,
		EarningType: in.EarningType,
		Metadata:    in.Metadata,
	})
	if err != nil {
		s.log.Error("distribute failed", "event_id", in.EventID, "caller", callerName(r), "err", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvaluateMilestones(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SponsorID         string `json:"sponsor_id"`
		TriggerReferralID string `json:"trigger_referral_id"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireUUID("sponsor_id", in.SponsorID); err != nil {
		writeDomainError(w, err)
		return
	}
	if in.TriggerReferralID != "" {
		if err := requireUUID("trigger_referral_id", in.TriggerReferralID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	out, err := s.deps.Engine.EvaluateMilestones(r.Context(), in.SponsorID, in.TriggerReferralID)
	if err != nil {
		s.log.Error("milestone evaluation failed", "sponsor_id", in.SponsorID, "caller", callerName(r), "err", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "event queue is not configured")
		return
	}
	var t queue.Trigger
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.EventID == "" {
		t.EventID = idempotencyKey(r)
	}
	if err := t.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	for field, id := range map[string]string{
		"earner_id":   t.EarnerID,
		"sponsor_id":  t.SponsorID,
		"referral_id": t.ReferralID,
	} {
		if id == "" {
			continue
		}
		if err := requireUUID(field, id); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if err := s.deps.Queue.Enqueue(r.Context(), t); err != nil {
		s.log.Error("enqueue trigger failed", "event_id", t.Label(), "err", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "event_id": t.EventID, "kind": t.Kind})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := requireUUID("user_id", userID); err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.deps.Store.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCommissionHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := requireUUID("user_id", userID); err != nil {
		writeDomainError(w, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	out, err := s.deps.Store.CommissionHistory(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commissions": out})
}

func (s *Server) handleMilestoneClaims(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := requireUUID("user_id", userID); err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.deps.Store.MilestoneClaims(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID != "" {
		if err := requireUUID("user_id", userID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	out, err := s.deps.Store.Reconcile(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := policy.Parse(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Store.ReplacePolicy(r.Context(), snap); err != nil {
		writeDomainError(w, err)
		return
	}
	if s.deps.PolicyCache != nil {
		s.deps.PolicyCache.Invalidate()
	}
	if s.deps.PolicyNotifier != nil {
		if err := s.deps.PolicyNotifier.NotifyPolicyChanged(r.Context()); err != nil {
			s.log.Warn("policy change notification failed", "err", err)
		}
	}
	s.log.Info("policy replaced via api", "caller", callerName(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"configured": snap.Settings != nil,
		"badges":     len(snap.BadgeThresholds),
		"rates":      len(snap.Rates),
		"milestones": len(snap.Milestones),
	})
}

func (s *Server) handleTreeRebuild(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := requireUUID("user_id", userID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Store.Rebuild(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user_id": userID})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rewards.ErrEventIDRequired),
		errors.Is(err, rewards.ErrInvalidInput),
		errors.Is(err, rewards.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rewards.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rewards.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requireUUID(field, value string) error {
	if _, err := uuid.Parse(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%w: %s must be a uuid", rewards.ErrInvalidInput, field)
	}
	return nil
}

func callerName(r *http.Request) string {
	if c, ok := auth.CallerFrom(r.Context()); ok {
		return c.Service
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
