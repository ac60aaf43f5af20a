package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/auditchain"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/httpx"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/stream"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/telemetry"
)

// recordFinder is implemented by stores that can look records up by request.
type recordFinder interface {
	ByCorrelationID(ctx context.Context, chainID, correlationID string) ([]models.AuditRecord, error)
}

type Server struct {
	Chain              *auditchain.Chain
	Records            recordFinder
	Hub                *stream.Hub
	Metrics            *metrics.Registry
	Logger             *zap.Logger
	CORSAllowedOrigins string
	WSAllowedOrigins   string
}

func (s *Server) Routes() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.NewRegistry()
	}
	s.Logger = logging.OrNop(s.Logger)
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", s.health)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/v1/audit/stream", stream.Handler(s.Hub, s.WSAllowedOrigins))
	r.Group(func(r chi.Router) {
		r.Use(telemetry.HTTPMiddleware("audit"))
		r.With(s.Metrics.Middleware("/v1/audit/records")).Get("/v1/audit/records/{correlationID}", s.records)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "service": "audit"}
	if s.Chain != nil {
		body["chain"] = s.Chain.State()
	}
	if s.Hub != nil {
		body["subscribers"] = s.Hub.Subscribers()
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	if s.Records == nil || s.Chain == nil {
		httpx.Error(w, http.StatusNotImplemented, "record lookup not supported by this store")
		return
	}
	corrID := strings.TrimSpace(chi.URLParam(r, "correlationID"))
	if corrID == "" || len(corrID) > 128 {
		httpx.Error(w, http.StatusBadRequest, "invalid correlation id")
		return
	}
	recs, err := s.Records.ByCorrelationID(r.Context(), s.Chain.State().ChainID, corrID)
	if err != nil {
		s.Logger.Error("audit record lookup failed", logging.CorrelationID(corrID), zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if len(recs) == 0 {
		httpx.Error(w, http.StatusNotFound, "no audit records for correlation id")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}
