// Package api serves a read-only HTTP view of the grinder: controller status,
// auto-tune progress, stored sessions and the live flow meter.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/itohio/grindscale/pkg/autotune"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/meter"
	"github.com/itohio/grindscale/pkg/sample"
)

// DefaultPoints is the measurement count returned when ?points= is absent.
const DefaultPoints = 200

// StatusSource is satisfied by *grind.Controller.
type StatusSource interface {
	Status() grind.Status
}

// ProgressSource is satisfied by *autotune.Tuner.
type ProgressSource interface {
	Progress() autotune.Progress
}

// SessionStore is satisfied by *grindlog.Store.
type SessionStore interface {
	List() ([]grindlog.Info, error)
	Load(id uint32) (*grindlog.Session, error)
}

// LiveSource is satisfied by *meter.Meter.
type LiveSource interface {
	Samples() []sample.WeightSample
	Derivatives() []float64
	Bursts() []meter.Burst
}

var (
	_ StatusSource   = (*grind.Controller)(nil)
	_ ProgressSource = (*autotune.Tuner)(nil)
	_ SessionStore   = (*grindlog.Store)(nil)
	_ LiveSource     = (*meter.Meter)(nil)
)

// Server routes API requests. Any source may be nil; its endpoints then
// answer 503.
type Server struct {
	status   StatusSource
	progress ProgressSource
	sessions SessionStore
	live     LiveSource

	router chi.Router
}

// New creates a server over the given sources.
func New(status StatusSource, progress ProgressSource, sessions SessionStore, live LiveSource) *Server {
	s := &Server{
		status:   status,
		progress: progress,
		sessions: sessions,
		live:     live,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/status", s.handleStatus)
	r.Get("/live", s.handleLive)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Get("/{id}", s.handleSession)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// StatusResponse combines controller status and auto-tune progress.
type StatusResponse struct {
	Grind    *grind.Status      `json:"grind,omitempty"`
	Autotune *autotune.Progress `json:"autotune,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil && s.progress == nil {
		renderError(w, r, http.StatusServiceUnavailable, errors.New("no controller"))
		return
	}
	var resp StatusResponse
	if s.status != nil {
		st := s.status.Status()
		resp.Grind = &st
	}
	if s.progress != nil {
		p := s.progress.Progress()
		resp.Autotune = &p
	}
	render.JSON(w, r, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		renderError(w, r, http.StatusServiceUnavailable, errors.New("session logging disabled"))
		return
	}
	list, err := s.sessions.List()
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []grindlog.Info{}
	}
	render.JSON(w, r, list)
}

// EventResponse is one phase event of a stored session.
type EventResponse struct {
	Phase           string  `json:"phase"`
	StartMs         int64   `json:"start_ms"`
	DurationMs      int64   `json:"duration_ms"`
	StartWeight     float32 `json:"start_weight"`
	EndWeight       float32 `json:"end_weight"`
	StopTarget      float32 `json:"stop_target"`
	FlowRate        float32 `json:"flow_rate"`
	PulseDurationMs float32 `json:"pulse_duration_ms,omitempty"`
	Attempt         uint16  `json:"attempt,omitempty"`
}

// PointResponse is one measurement of a stored session.
type PointResponse struct {
	TimeMs     int64   `json:"t_ms"`
	Weight     float32 `json:"weight"`
	FlowRate   float32 `json:"flow_rate"`
	StopTarget float32 `json:"stop_target"`
	MotorOn    bool    `json:"motor_on"`
	Phase      string  `json:"phase"`
}

// SessionResponse is a stored session with downsampled measurements.
type SessionResponse struct {
	grindlog.Info
	TargetTimeMs  int64           `json:"target_time_ms,omitempty"`
	Tolerance     float32         `json:"tolerance"`
	LatencyMs     int64           `json:"latency_ms"`
	StartWeight   float32         `json:"start_weight"`
	ErrorG        float32         `json:"error_g"`
	TotalTimeMs   int64           `json:"total_time_ms"`
	MotorOnTimeMs int64           `json:"motor_on_time_ms"`
	Termination   string          `json:"termination"`
	Events        []EventResponse `json:"events"`
	Points        []PointResponse `json:"points"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		renderError(w, r, http.StatusServiceUnavailable, errors.New("session logging disabled"))
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("invalid session id: %w", err))
		return
	}
	points, err := pointsParam(r)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	sess, err := s.sessions.Load(uint32(id))
	switch {
	case errors.Is(err, grindlog.ErrNotFound):
		renderError(w, r, http.StatusNotFound, err)
		return
	case err != nil:
		renderError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, sessionResponse(sess, points))
}

func sessionResponse(s *grindlog.Session, points int) SessionResponse {
	resp := SessionResponse{
		Info:          s.Info(),
		TargetTimeMs:  s.TargetTime.Milliseconds(),
		Tolerance:     s.Tolerance,
		LatencyMs:     s.Latency.Milliseconds(),
		StartWeight:   s.StartWeight,
		ErrorG:        s.Error,
		TotalTimeMs:   s.TotalTime.Milliseconds(),
		MotorOnTimeMs: s.MotorOnTime.Milliseconds(),
		Termination:   s.Termination,
		Events:        make([]EventResponse, 0, len(s.Events)),
	}
	for _, e := range s.Events {
		resp.Events = append(resp.Events, EventResponse{
			Phase:           grind.Phase(e.Phase).String(),
			StartMs:         e.Start.Milliseconds(),
			DurationMs:      e.Duration.Milliseconds(),
			StartWeight:     e.StartWeight,
			EndWeight:       e.EndWeight,
			StopTarget:      e.StopTarget,
			FlowRate:        e.FlowRate,
			PulseDurationMs: float32(e.PulseDuration) / float32(time.Millisecond),
			Attempt:         e.Attempt,
		})
	}

	ms := sample.Downsample(nil, s.Measurements, points)
	resp.Points = make([]PointResponse, 0, len(ms))
	for _, m := range ms {
		resp.Points = append(resp.Points, PointResponse{
			TimeMs:     m.Time.Milliseconds(),
			Weight:     m.Weight,
			FlowRate:   m.FlowRate,
			StopTarget: m.StopTarget,
			MotorOn:    m.MotorOn,
			Phase:      grind.Phase(m.Phase).String(),
		})
	}
	return resp
}

// LiveResponse is the flow meter window.
type LiveResponse struct {
	Points []LivePoint    `json:"points"`
	Bursts []BurstSummary `json:"bursts"`
}

// LivePoint is one meter sample. Flow is zero for the newest sample.
type LivePoint struct {
	Time   time.Time `json:"t"`
	Weight float32   `json:"weight"`
	Flow   float64   `json:"flow"`
}

// BurstSummary is one detected dispensing burst.
type BurstSummary struct {
	Start      time.Time `json:"start"`
	DurationMs int64     `json:"duration_ms"`
	PeakFlow   float64   `json:"peak_flow"`
	Mass       float64   `json:"mass"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		renderError(w, r, http.StatusServiceUnavailable, errors.New("meter not running"))
		return
	}
	points, err := pointsParam(r)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	samples := s.live.Samples()
	flows := s.live.Derivatives()
	all := make([]LivePoint, len(samples))
	for i, smp := range samples {
		all[i] = LivePoint{Time: smp.Time, Weight: smp.Weight}
		if i < len(flows) {
			all[i].Flow = flows[i]
		}
	}

	resp := LiveResponse{
		Points: sample.Downsample(nil, all, points),
		Bursts: []BurstSummary{},
	}
	for _, b := range s.live.Bursts() {
		resp.Bursts = append(resp.Bursts, BurstSummary{
			Start:      b.StartTime,
			DurationMs: b.Duration().Milliseconds(),
			PeakFlow:   b.PeakFlow,
			Mass:       b.Mass,
		})
	}
	render.JSON(w, r, resp)
}

func pointsParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("points")
	if v == "" {
		return DefaultPoints, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid points %q", v)
	}
	return n, nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Status: status, Error: err.Error()})
}
