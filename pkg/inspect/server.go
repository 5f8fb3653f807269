// Package inspect serves the recorder over HTTP: entry listing and lookup,
// clearing, HAR download and a websocket change stream.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/httpseal/nettrace/pkg/har"
	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/query"
	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

// EventChanged is the ChangeEvent type sent after every mutation.
const EventChanged = "changed"

// Server is the inspector HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	rec        *recorder.Recorder
	queries    *query.Engine
	exporter   *har.Exporter
	hub        *Hub
	logger     logger.Logger
	stopWatch  context.CancelFunc
}

// New creates an inspector for rec listening on addr. engine may be nil, in
// which case the filter parameter is rejected.
func New(addr string, rec *recorder.Recorder, engine *query.Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		rec:      rec,
		queries:  engine,
		exporter: har.NewExporter(),
		hub:      NewHub(log),
		logger:   log,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go s.watch(ctx, rec.Watch(ctx))
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/entries", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/api/entries", s.handleClear).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/entries/{id}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/api/export.har", s.handleExport).Methods(http.MethodGet)
	s.router.HandleFunc("/api/changes", s.handleChanges)
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) watch(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			s.hub.Broadcast(ChangeEvent{Type: EventChanged, Count: s.rec.Len()})
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Inspector %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"entries": s.rec.Len(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pred, err := s.predicateFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := s.rec.Query(pred)
	if entries == nil {
		entries = []traffic.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.rec.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.rec.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.exporter.Export(s.rec.Entries())
	if errors.Is(err, har.ErrEmptyInput) {
		writeError(w, http.StatusNotFound, "nothing to export")
		return
	}
	if err != nil {
		s.logger.Error("HAR export failed: %v", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="nettrace.har"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r, ChangeEvent{Type: EventChanged, Count: s.rec.Len()})
}

// predicateFromQuery turns list parameters into one predicate. Repeated or
// comma separated method and status values are alternatives.
func (s *Server) predicateFromQuery(r *http.Request) (recorder.Predicate, error) {
	params := r.URL.Query()
	filter := recorder.Filter{
		Methods:     splitValues(params["method"]),
		PathSuffix:  params.Get("path"),
		Hosts:       splitValues(params["host"]),
		OnlyFailed:  params.Get("failed") == "true",
		OnlyPending: params.Get("pending") == "true",
	}
	for _, raw := range splitValues(params["status"]) {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("invalid status: " + raw)
		}
		filter.StatusCodes = append(filter.StatusCodes, code)
	}

	preds := []recorder.Predicate{filter.Predicate()}
	if expr := params.Get("filter"); expr != "" {
		if s.queries == nil {
			return nil, errors.New("filter expressions are not enabled")
		}
		pred, err := s.queries.Compile(expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return recorder.And(preds...), nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener serves on ln.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("Inspector listening on http://%s", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the change watcher, disconnects websocket clients and
// gracefully shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopWatch()
	s.hub.CloseAll()
	return s.httpServer.Shutdown(ctx)
}
