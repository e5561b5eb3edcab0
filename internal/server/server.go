package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazz-dev/pingboard/internal/cache"
	"github.com/hazz-dev/pingboard/internal/coordinator"
	"github.com/hazz-dev/pingboard/internal/status"
	"github.com/hazz-dev/pingboard/internal/storage"
	"github.com/hazz-dev/pingboard/internal/target"
)

// Snapshots is the read side of the state cache.
type Snapshots interface {
	Get() *cache.Snapshot
}

// Refresher accepts asynchronous refresh requests.
type Refresher interface {
	RequestRefresh() bool
}

// HistoryStore defines the storage queries the server needs.
type HistoryStore interface {
	History(ctx context.Context, targetID string, limit, offset int) ([]storage.Observation, int, error)
	UptimePercent(ctx context.Context, targetID string, last int) (float64, error)
}

// Server holds the chi router and its dependencies.
type Server struct {
	registry  *target.Registry
	snapshots Snapshots
	store     HistoryStore
	refresher Refresher
	hub       *hub
	router    chi.Router
	logger    *slog.Logger
}

// New creates a new Server and registers all routes. store and refresher may
// be nil; history is then unavailable and refresh requests are ignored.
func New(registry *target.Registry, snapshots Snapshots, store HistoryStore, refresher Refresher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:  registry,
		snapshots: snapshots,
		store:     store,
		refresher: refresher,
		hub:       newHub(),
		router:    chi.NewRouter(),
		logger:    logger,
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// Mount serves h for every path the API does not claim.
func (s *Server) Mount(h http.Handler) {
	s.router.NotFound(h.ServeHTTP)
}

// Publish pushes the current status to every websocket subscriber. It is
// registered as a coordinator commit listener and never blocks.
func (s *Server) Publish(d coordinator.Delta) {
	n := s.hub.broadcast(s.statusPayload())
	s.logger.Debug("pushed status", "cycle", d.Cycle, "subscribers", n)
}

// Subscribers returns the number of connected websocket clients.
func (s *Server) Subscribers() int {
	return s.hub.size()
}

// Close disconnects every websocket subscriber.
func (s *Server) Close() {
	s.hub.close()
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/status", s.handleStatus)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/snapshot", s.handleSnapshot)
	r.Get("/api/targets", s.handleListTargets)
	r.Get("/api/targets/{id}/history", s.handleTargetHistory)
	r.Get("/api/ws", s.handleWS)
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type recordView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	IconURL   string        `json:"icon_url"`
	Status    status.Status `json:"status"`
	LatencyMs *float64      `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Cycle     uint64        `json:"cycle"`
}

func viewOf(r status.Record) recordView {
	return recordView{
		ID:        r.TargetID,
		Name:      r.Name,
		Address:   r.Address,
		IconURL:   r.IconURL,
		Status:    r.Status,
		LatencyMs: r.LatencyMs,
		Timestamp: r.Timestamp,
		Cycle:     r.Cycle,
	}
}

type snapshotResponse struct {
	Cycle       uint64       `json:"cycle"`
	CommittedAt *time.Time   `json:"committed_at"`
	Records     []recordView `json:"records"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Get()
	resp := snapshotResponse{
		Cycle:   snap.Cycle(),
		Records: make([]recordView, 0, snap.Len()),
	}
	if !snap.CommittedAt().IsZero() {
		t := snap.CommittedAt()
		resp.CommittedAt = &t
	}
	for _, t := range s.registry.All() {
		if rec, ok := snap.Lookup(t.ID); ok {
			resp.Records = append(resp.Records, viewOf(rec))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type targetDetail struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	IconURL     string     `json:"icon_url"`
	Status      string     `json:"status"`
	LatencyMs   *float64   `json:"latency_ms"`
	UptimePct   *float64   `json:"uptime_percent,omitempty"`
	LastChecked *time.Time `json:"last_checked"`
}

const uptimeWindow = 100

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Get()
	targets := s.registry.All()
	details := make([]targetDetail, 0, len(targets))
	for _, t := range targets {
		d := targetDetail{
			ID:      t.ID,
			Name:    t.Name,
			Address: t.Address,
			IconURL: t.IconURL,
			Status:  "unknown",
		}
		if rec, ok := snap.Lookup(t.ID); ok {
			d.Status = string(rec.Status)
			d.LatencyMs = rec.LatencyMs
			ts := rec.Timestamp
			d.LastChecked = &ts
		}
		if s.store != nil {
			pct, err := s.store.UptimePercent(r.Context(), t.ID, uptimeWindow)
			if err != nil {
				s.logger.Warn("UptimePercent", "target", t.ID, "error", err)
			} else {
				d.UptimePct = &pct
			}
		}
		details = append(details, d)
	}
	writeJSON(w, http.StatusOK, details)
}

type historyResponse struct {
	Records []recordView `json:"records"`
	Total   int          `json:"total"`
}

func (s *Server) handleTargetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	const maxLimit = 1000

	limit := 50
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		if n > maxLimit {
			n = maxLimit
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset parameter")
			return
		}
		offset = n
	}

	obs, total, err := s.store.History(r.Context(), id, limit, offset)
	if err != nil {
		s.logger.Error("History", "target", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]recordView, len(obs))
	for i, o := range obs {
		views[i] = viewOf(o.Record)
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Records: views,
		Total:   total,
	})
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the request logger.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
