// Package api is the HTTP control surface of the controller: portfolio and risk
// inspection, limit and allocation changes, lifecycle commands and live event streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/songzhibin97/quantaguard/internal/logger"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/portfolio"
	"github.com/songzhibin97/quantaguard/internal/risk"
)

// Coordinator is the portfolio surface the API drives. *portfolio.Coordinator
// implements it.
type Coordinator interface {
	Status() portfolio.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context, reason string) bool
	Restart() error
	UpdateAllocation(name string, u portfolio.AllocationUpdate) (portfolio.Allocation, error)
	SetEnabled(name string, enabled bool) (portfolio.Allocation, error)
	Positions(name string) ([]models.Position, error)
}

// RiskEngine is the risk surface the API drives. *risk.Engine implements it.
type RiskEngine interface {
	GetRiskMetrics() risk.RiskReport
	Limits() risk.Limits
	UpdateRiskLimits(u risk.LimitsUpdate) (risk.Limits, error)
}

// EventSource lists recent security events. *security.Bus implements it.
type EventSource interface {
	Recent(limit int) []models.SecurityEvent
}

// Options configures a Server.
type Options struct {
	// ExposeErrors adds the internal error message to 500 responses.
	ExposeErrors bool
	// OTPSecret enables the X-OTP guard on mutating endpoints when set.
	OTPSecret string
	Metrics   http.Handler
	Hub       *Hub
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Server 控制面 HTTP 服务
type Server struct {
	coord  Coordinator
	engine RiskEngine
	events EventSource
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

func NewServer(coord Coordinator, engine RiskEngine, events EventSource, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Server{
		coord:  coord,
		engine: engine,
		events: events,
		opts:   opts,
		log:    opts.Logger.With("component", "api"),
		now:    opts.Clock,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /portfolio", s.getPortfolio)
	mux.HandleFunc("GET /risk", s.getRisk)
	mux.HandleFunc("GET /risk/limits", s.getLimits)
	mux.HandleFunc("GET /strategies/{name}/positions", s.getPositions)
	mux.HandleFunc("GET /events", s.getEvents)

	mux.Handle("PUT /risk/limits", s.guard(s.putLimits))
	mux.Handle("POST /strategies/{name}/enable", s.guard(s.setEnabled(true)))
	mux.Handle("POST /strategies/{name}/disable", s.guard(s.setEnabled(false)))
	mux.Handle("PUT /strategies/{name}/allocation", s.guard(s.putAllocation))
	mux.Handle("POST /portfolio/start", s.guard(s.start))
	mux.Handle("POST /portfolio/stop", s.guard(s.stop))
	mux.Handle("POST /portfolio/emergency-stop", s.guard(s.emergencyStop))
	mux.Handle("POST /portfolio/restart", s.guard(s.restart))

	if s.opts.Hub != nil {
		mux.Handle("GET /ws/events", s.opts.Hub)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.logRequests(mux)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.coord.Status().State),
	})
}

func (s *Server) getPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) getRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetRiskMetrics())
}

func (s *Server) getLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Limits())
}

func (s *Server) putLimits(w http.ResponseWriter, r *http.Request) {
	var u risk.LimitsUpdate
	if err := decode(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	limits, err := s.engine.UpdateRiskLimits(u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.coord.Positions(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.coord.SetEnabled(r.PathValue("name"), enabled)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) putAllocation(w http.ResponseWriter, r *http.Request) {
	var u portfolio.AllocationUpdate
	if err := decode(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.coord.UpdateAllocation(r.PathValue("name"), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Start(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

type emergencyResponse struct {
	Stopped bool             `json:"stopped"`
	Status  portfolio.Status `json:"status"`
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}
	s.log.Warn("emergency stop requested", "reason", req.Reason, "remote", r.RemoteAddr)
	stopped := s.coord.EmergencyStop(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, emergencyResponse{Stopped: stopped, Status: s.coord.Status()})
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Restart(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events := s.events.Recent(limit)
	if events == nil {
		events = []models.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Ref    string `json:"ref,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps domain errors to status codes. Unexpected errors get a correlation
// reference that is logged with the failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, risk.ErrInvalidLimits),
		errors.Is(err, portfolio.ErrInvalidAllocation):
		status = http.StatusBadRequest
	case errors.Is(err, portfolio.ErrUnknownStrategy):
		status = http.StatusNotFound
	case errors.Is(err, portfolio.ErrInvalidState):
		status = http.StatusConflict
	}
	if status != http.StatusInternalServerError {
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	ref := logger.NewRef()
	ctx := logger.WithRef(r.Context(), ref)
	s.log.ErrorContext(ctx, "request failed", append(logger.LogWithRef(ctx),
		"method", r.Method, "path", r.URL.Path, "err", err)...)
	resp := errorResponse{Error: "internal error", Ref: ref}
	if s.opts.ExposeErrors {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
