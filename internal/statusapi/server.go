// Package statusapi serves the engine's health, population and live registry
// events over HTTP.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/kb"
	"github.com/signalsfoundry/traci-sync/model"
)

// View is the read-only engine surface the API reports on.
type View interface {
	IsConnected() bool
	AutoShutdownTriggered() bool
	Counts() model.Counts
	Registry() *kb.Registry
}

const requestIDHeader = "X-Request-Id"

// feedBuffer is the number of events a slow feed client may lag behind
// before it is disconnected.
const feedBuffer = 256

// Server routes the status endpoints.
type Server struct {
	view     View
	metrics  http.Handler
	log      logging.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	// mu orders feed registration against Close so wg.Add never races
	// wg.Wait.
	mu     sync.Mutex
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds the router. metrics may be nil, in which case /metrics
// is not mounted.
func NewServer(view View, metrics http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		view:    view,
		metrics: metrics,
		log:     log,
		quit:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Get("/healthz", s.handleHealth)
	r.Get("/counts", s.handleCounts)
	r.Get("/vehicles", s.handleVehicles)
	r.Get("/vehicles/{id}", s.handleVehicle)
	r.Get("/feed", s.handleFeed)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every open feed and waits for the handlers to return.
// http.Server.Shutdown does not reach hijacked websocket connections.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// acquireFeed registers a feed handler with wg. It reports false once Close
// has begun; callers that get true must call wg.Done.
func (s *Server) acquireFeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(requestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		reqLog.Debug(ctx, "status request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

type healthResponse struct {
	Connected    bool `json:"connected"`
	AutoShutdown bool `json:"autoShutdown"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	connected := s.view.IsConnected()
	if !connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Connected: connected, AutoShutdown: s.view.AutoShutdownTriggered()})
}

type countsResponse struct {
	Active     int `json:"active"`
	Parking    int `json:"parking"`
	Driving    int `json:"driving"`
	Managed    int `json:"managed"`
	Unequipped int `json:"unequipped"`
}

func (s *Server) handleCounts(w http.ResponseWriter, _ *http.Request) {
	c := s.view.Counts()
	reg := s.view.Registry()
	writeJSON(w, http.StatusOK, countsResponse{
		Active:     c.Active,
		Parking:    c.Parking,
		Driving:    c.Driving,
		Managed:    len(reg.ManagedIDs()),
		Unequipped: len(reg.UnequippedIDs()),
	})
}

// VehicleJSON is the wire form of a vehicle state.
type VehicleJSON struct {
	ID      string  `json:"id"`
	RoadID  string  `json:"roadId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Speed   float64 `json:"speed"`
	Angle   float64 `json:"angle"`
	Signals int32   `json:"signals"`
	Parked  bool    `json:"parked"`
}

func vehicleJSON(st model.VehicleState) VehicleJSON {
	return VehicleJSON{
		ID:      st.ID,
		RoadID:  st.RoadID,
		X:       st.Position.X,
		Y:       st.Position.Y,
		Speed:   st.Speed,
		Angle:   st.Angle,
		Signals: int32(st.Signals),
		Parked:  st.Parked,
	}
}

func (s *Server) handleVehicles(w http.ResponseWriter, _ *http.Request) {
	states := s.view.Registry().ManagedStates()
	out := make(map[string]VehicleJSON, len(states))
	for id, st := range states {
		out[id] = vehicleJSON(st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ent, ok := s.view.Registry().Managed(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "vehicle not managed"})
		return
	}
	writeJSON(w, http.StatusOK, vehicleJSON(ent.State))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
