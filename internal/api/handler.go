// Package api serves the operator HTTP surface: synchronous pass triggers
// and cache inspection and rebuild.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cleaner"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
)

type Triggers interface {
	TriggerMatching(ctx context.Context) matcher.MatchReport
	TriggerCleaning(ctx context.Context, forceReindex bool) cleaner.CleanReport
}

type Cache interface {
	Current(ctx context.Context) (cachestate.State, error)
	InitializeCache(ctx context.Context, force bool) (cachestate.State, error)
	Building() bool
}

type CacheStatus struct {
	cachestate.State
	Building bool `json:"building"`
}

type BreakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type Handler struct {
	triggers Triggers
	cache    Cache
	breakers map[string]*resilience.CircuitBreaker
	logger   *slog.Logger
}

// NewHandler serves triggers and cache. breakers are the outbound circuit
// breakers operators may inspect and reset.
func NewHandler(triggers Triggers, cache Cache, breakers ...*resilience.CircuitBreaker) *Handler {
	h := &Handler{
		triggers: triggers,
		cache:    cache,
		breakers: make(map[string]*resilience.CircuitBreaker, len(breakers)),
		logger:   slog.Default().With("component", "api-handler"),
	}
	for _, cb := range breakers {
		h.breakers[cb.Name()] = cb
	}
	return h
}

// TriggerMatching answers 200 with the report, 409 when a matching pass
// was already running and 503 when the pass failed.
func (h *Handler) TriggerMatching(w http.ResponseWriter, r *http.Request) {
	report := h.triggers.TriggerMatching(r.Context())
	h.writeJSON(w, statusFor(report.Status), report)
}

func (h *Handler) TriggerCleaning(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force_reindex"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeAppError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "force_reindex must be a boolean"))
			return
		}
		force = parsed
	}
	logger.FromContext(r.Context()).Info("cleaning pass requested", "force_reindex", force)
	report := h.triggers.TriggerCleaning(r.Context(), force)
	h.writeJSON(w, statusFor(report.Status), report)
}

func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.cache.Current(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("reading cache state failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "cache state unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, CacheStatus{State: st, Building: h.cache.Building()})
}

// RebuildCache forces a full rebuild and waits for it.
func (h *Handler) RebuildCache(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	st, err := h.cache.InitializeCache(r.Context(), true)
	if err != nil {
		log.Error("cache rebuild failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	log.Info("cache rebuilt on request", "index_version", st.IndexVersion)
	h.writeJSON(w, http.StatusOK, CacheStatus{State: st})
}

func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	out := make([]BreakerStatus, 0, len(h.breakers))
	for name, cb := range h.breakers {
		out = append(out, BreakerStatus{Name: name, State: cb.GetState().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	h.writeJSON(w, http.StatusOK, out)
}

// ResetBreaker forces the named breaker closed, for use once the
// dependency behind it has recovered.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cb, ok := h.breakers[name]
	if !ok {
		h.writeAppError(w, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "no circuit breaker named %q", name))
		return
	}
	from := cb.GetState()
	cb.Reset()
	logger.FromContext(r.Context()).Info("circuit breaker reset", "breaker", name, "from", from.String())
	h.writeJSON(w, http.StatusOK, BreakerStatus{Name: name, State: cb.GetState().String()})
}

func statusFor(s pass.Status) int {
	switch s {
	case pass.StatusSkipped:
		return http.StatusConflict
	case pass.StatusFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	h.writeError(w, apperrors.HTTPStatusCode(err), msg)
}
