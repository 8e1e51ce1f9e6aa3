// Package httpapi exposes an engine over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Lundis/go-tonebox/dispatcher"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/melody"
	"github.com/Lundis/go-tonebox/notes"
	"github.com/Lundis/go-tonebox/synth"
	"github.com/Lundis/go-tonebox/tempo"
)

// Engine is the part of *tonebox.Engine the API drives.
type Engine interface {
	RequestNote(frequency float64, duration time.Duration) (<-chan struct{}, error)
	PlayNote(frequency float64) (<-chan struct{}, error)
	ClearAll() error
	Snapshot() []notes.Info
	State() dispatcher.State
}

// NoteRequest is the body of POST /v1/notes. Either Frequency or Note must be
// set. Without Duration the note plays for its natural decay.
type NoteRequest struct {
	Frequency float64 `json:"frequency,omitempty"`
	Note      string  `json:"note,omitempty"`
	// Duration in seconds.
	Duration float64 `json:"duration,omitempty"`
}

type NotesResponse struct {
	Active int          `json:"active"`
	Notes  []notes.Info `json:"notes"`
}

type Handlers struct {
	engine Engine
	log    *zap.Logger
}

// NewRouter returns the routes of the API. gatherer backs /metrics; nil
// serves the default prometheus registry.
func NewRouter(engine Engine, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	h := &Handlers{engine: engine, log: logger.OrNop(log)}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(h.logging)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/notes", func(r chi.Router) {
			r.Get("/", h.ListNotes)
			r.Post("/", h.PlayNote)
			r.Delete("/", h.ClearNotes)
		})
	})
	return r
}

func (h *Handlers) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", chimw.GetReqID(r.Context())))
	})
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	state := h.engine.State()
	status := http.StatusOK
	if state != dispatcher.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": state.String()})
}

// ListNotes handles GET /v1/notes.
func (h *Handlers) ListNotes(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	writeJSON(w, http.StatusOK, NotesResponse{Active: len(snap), Notes: snap})
}

// PlayNote handles POST /v1/notes. The note is queued, not played, when the
// response is written.
func (h *Handlers) PlayNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Frequency == 0 && req.Note != "" {
		n, err := melody.ParseNote(req.Note)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Frequency = n.Frequency
	}

	var err error
	if req.Duration == 0 {
		_, err = h.engine.PlayNote(req.Frequency)
	} else {
		_, err = h.engine.RequestNote(req.Frequency, tempo.Seconds(req.Duration))
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "frequency": req.Frequency})
}

// ClearNotes handles DELETE /v1/notes.
func (h *Handlers) ClearNotes(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearAll(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, synth.ErrInvalidFrequency), errors.Is(err, synth.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrUnavailable), errors.Is(err, dispatcher.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
