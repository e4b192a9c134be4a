// SPDX-License-Identifier: MIT

// Package control exposes the HTTP control plane used by the local
// operator UI: mode switching, ingest and recording control, mixer
// scene changes and a websocket event feed.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/ingest"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/mixer"
	"github.com/camdeck/camdeck/internal/mode"
	"github.com/camdeck/camdeck/internal/recording"
)

var requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camdeck_http_request_total",
	Help: "Control API requests by route and status class.",
}, []string{"route", "status"})

// Ingest is the camera supervisor surface the API needs.
type Ingest interface {
	States() []ingest.CameraState
	State(camID string) (ingest.CameraState, bool)
	EnsureRunning(cam config.CameraConfig)
	Stop(ctx context.Context, camID string) bool
}

// Recorder is the recording supervisor surface the API needs.
type Recorder interface {
	Start(ctx context.Context, camIDs []string) (*recording.Session, error)
	Stop(ctx context.Context) (*recording.Session, error)
	Status() recording.Snapshot
	Sessions() ([]*recording.Session, error)
}

// Mixer is the program output surface the API needs.
type Mixer interface {
	Start(ctx context.Context, publishBase, recordFile string) error
	Stop(ctx context.Context) error
	SetScene(ctx context.Context, sceneID string, tr mixer.Transition) error
	State() mixer.State
}

// SceneStore is the scene persistence surface the API needs.
type SceneStore interface {
	Get(id string) (*mixer.Scene, error)
	List() []*mixer.Scene
	Put(scene *mixer.Scene) error
}

// Graphics is the overlay renderer control surface the API proxies.
type Graphics interface {
	Upsert(ctx context.Context, ov mixer.Overlay) error
	SetVisible(ctx context.Context, id string, visible bool) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]mixer.Overlay, error)
}

// Modes is the mode arbiter surface the API needs.
type Modes interface {
	SwitchTo(ctx context.Context, target config.Mode) error
	Status() mode.Status
}

// Health serves the liveness and readiness endpoints.
type Health interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

// Server is the control plane HTTP handler.
type Server struct {
	cfg      *config.AppConfig
	ingest   Ingest
	recorder Recorder
	mixer    Mixer
	scenes   SceneStore
	graphics Graphics
	modes    Modes
	health   Health
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewServer wires the API against the given components. Any component
// may be nil; its routes then answer 503.
func NewServer(cfg *config.AppConfig, ing Ingest, rec Recorder, mix Mixer,
	scenes SceneStore, graphics Graphics, modes Modes, health Health,
	bus *events.Bus) *Server {
	return &Server{
		cfg:      cfg,
		ingest:   ing,
		recorder: rec,
		mixer:    mix,
		scenes:   scenes,
		graphics: graphics,
		modes:    modes,
		health:   health,
		bus:      bus,
		logger:   log.WithComponent("control"),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.requestLogger)

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}

	r.Route("/api", func(r chi.Router) {
		if s.cfg != nil && s.cfg.Server.RateLimitRPS > 0 {
			r.Use(httprate.Limit(s.cfg.Server.RateLimitRPS, time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP)))
		}

		r.Get("/status", s.handleStatus)

		r.Get("/mode", s.handleModeStatus)
		r.Post("/mode/{mode}", s.handleModeSwitch)

		r.Get("/ingest/status", s.handleIngestStatus)
		r.Post("/ingest/start/{camera}", s.handleIngestStart)
		r.Post("/ingest/stop/{camera}", s.handleIngestStop)

		r.Get("/recording/status", s.handleRecordingStatus)
		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Get("/sessions", s.handleSessions)

		r.Get("/mixer/state", s.handleMixerState)
		r.Post("/mixer/start", s.handleMixerStart)
		r.Post("/mixer/stop", s.handleMixerStop)
		r.Post("/mixer/scene/{scene}", s.handleMixerScene)

		r.Get("/scenes", s.handleSceneList)
		r.Get("/scenes/{scene}", s.handleSceneGet)
		r.Put("/scenes/{scene}", s.handleScenePut)

		r.Get("/overlays", s.handleOverlayList)
		r.Put("/overlays/{overlay}", s.handleOverlayPut)
		r.Post("/overlays/{overlay}/visibility", s.handleOverlayVisibility)
		r.Delete("/overlays/{overlay}", s.handleOverlayDelete)
	})

	if s.bus != nil {
		r.Get("/ws/events", s.handleEvents)
	}

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		requestTotal.WithLabelValues(route, statusClass(ww.Status())).Inc()

		logger := log.WithContext(r.Context(), s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  camerr.Kind `json:"kind,omitempty"`
}

// statusForKind maps domain error kinds onto HTTP status codes.
func statusForKind(kind camerr.Kind) int {
	switch kind {
	case camerr.KindBusy, camerr.KindDeviceBusy, camerr.KindNoPublishers:
		return http.StatusConflict
	case camerr.KindInsufficientDisk:
		return http.StatusInsufficientStorage
	case camerr.KindRegistryUnavailable:
		return http.StatusServiceUnavailable
	case camerr.KindConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := camerr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		logger := log.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).Str(log.FieldPath, r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notWired(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable,
		errorResponse{Error: component + " is not available"})
}
