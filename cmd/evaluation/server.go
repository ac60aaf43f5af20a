package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/dispatch"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/eventbus"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/httpx"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/metrics"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/ratelimit"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/telemetry"
)

const maxCorrelationIDLen = 128

var validate = validator.New()

type evaluator interface {
	Submit(ctx context.Context, query string, resource json.RawMessage, correlationID string) (models.DecisionEvent, error)
}

type Server struct {
	Evaluator          evaluator
	Metrics            *metrics.Registry
	Logger             *zap.Logger
	CORSAllowedOrigins string
	MaxBodyBytes       int64
	RetryAfter         time.Duration
	// Limiter admits at most RateLimit evaluations per client per window.
	Limiter   ratelimit.Limiter
	RateLimit int
}

type evaluateRequest struct {
	Resource json.RawMessage `json:"resource" validate:"required"`
	Query    string          `json:"query" validate:"required,max=4096"`
}

type evaluateResponse struct {
	CorrelationID string            `json:"correlationId"`
	Decisions     []models.Decision `json:"decisions"`
}

func (s *Server) Routes() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.NewRegistry()
	}
	s.Logger = logging.OrNop(s.Logger)
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 1 << 20
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = time.Second
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("evaluation"))
	r.Use(httpx.LimitBody(s.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "evaluation"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.With(
		s.Metrics.Middleware("/evaluate"),
		ratelimit.Middleware(s.Limiter, s.RateLimit, nil),
	).Post("/evaluate", s.evaluate)
	return r
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(r.Header.Get(httpx.CorrelationHeader))
	if len(corrID) > maxCorrelationIDLen {
		httpx.Error(w, http.StatusBadRequest, fmt.Sprintf("%s exceeds %d characters", httpx.CorrelationHeader, maxCorrelationIDLen))
		return
	}
	if corrID == "" {
		corrID = uuid.NewString()
	}
	w.Header().Set(httpx.CorrelationHeader, corrID)

	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateRequest(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := s.Evaluator.Submit(r.Context(), req.Query, req.Resource, corrID)
	if err != nil {
		s.writeEvaluateError(w, corrID, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, evaluateResponse{
		CorrelationID: event.CorrelationID,
		Decisions:     event.Decisions,
	})
}

func (s *Server) writeEvaluateError(w http.ResponseWriter, corrID string, err error) {
	log := s.Logger.With(logging.CorrelationID(corrID), zap.Error(err))
	switch {
	case errors.Is(err, dispatch.ErrDirectoryUnavailable):
		log.Warn("evaluation aborted, policy directory unavailable")
		httpx.RetryAfter(w, s.RetryAfter, "policy directory unavailable")
	case errors.Is(err, dispatch.ErrInvalidResource):
		httpx.Error(w, http.StatusBadRequest, "resource must be a JSON object")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("evaluation cancelled by caller")
		httpx.RetryAfter(w, s.RetryAfter, "evaluation cancelled")
	case errors.Is(err, eventbus.ErrPublish):
		log.Error("evaluation failed, decision event not published")
		httpx.Error(w, http.StatusInternalServerError, "decision event could not be recorded")
	default:
		log.Error("evaluation failed")
		httpx.Error(w, http.StatusInternalServerError, "evaluation failed")
	}
}

func validateRequest(req *evaluateRequest) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				field := strings.ToLower(fe.Field())
				switch fe.Tag() {
				case "required":
					msgs = append(msgs, field+" is required")
				case "max":
					msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
				default:
					msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
				}
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	trimmed := strings.TrimSpace(string(req.Resource))
	if !strings.HasPrefix(trimmed, "{") {
		return errors.New("resource must be a JSON object")
	}
	return nil
}
