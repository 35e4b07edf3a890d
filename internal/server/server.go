package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astrophot/internal/pipeline"
	"astrophot/internal/storage"
)

// Server exposes run history, persisted results, and live run updates over
// HTTP. Completed results are read from the store; in-flight results are
// pushed to WebSocket clients as the pipeline broadcasts them.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewServer creates a results server bound to addr.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go s.relayResults(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs", s.handleSubmitRun).Methods("POST")
	r.HandleFunc("/api/runs/{id}/catalog", s.handleCatalog).Methods("GET")
	r.HandleFunc("/api/runs/{id}/ensemble", s.handleEnsemble).Methods("GET")
	r.HandleFunc("/api/runs/{id}/curve", s.handleCurve).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

// runRequest is the POST /api/runs payload.
type runRequest struct {
	Type      string         `json:"type"`
	InputPath string         `json:"input_path"`
	Output    string         `json:"output_path"`
	TargetRA  float64        `json:"target_ra"`
	TargetDec float64        `json:"target_dec"`
	Options   map[string]any `json:"options"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.InputPath == "" {
		http.Error(w, "input_path is required", http.StatusBadRequest)
		return
	}
	jobType := pipeline.JobType(req.Type)
	if req.Type == "" {
		jobType = pipeline.JobRun
	}

	options := req.Options
	if options == nil {
		options = make(map[string]any)
	}
	options["target_ra"] = req.TargetRA
	options["target_dec"] = req.TargetDec

	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		InputPath: req.InputPath,
		Output:    req.Output,
		Options:   options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.CatalogForRun(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "no catalog for run", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleEnsemble(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.EnsembleForRun(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "no ensemble for run", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.CurveForRun(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "no light curve for run", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.log.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Drain reads so close frames are processed; drop the client on error.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// runUpdate is the message pushed to WebSocket clients when a run finishes.
type runUpdate struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// relayResults forwards pipeline results to all connected WebSocket clients.
func (s *Server) relayResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			update := runUpdate{
				ID:     res.Job.ID,
				Type:   string(res.Job.Type),
				Status: "completed",
				Meta:   res.Meta,
			}
			if res.Error != nil {
				update.Status = "failed"
				update.Error = res.Error.Error()
			}
			payload, err := json.Marshal(update)
			if err != nil {
				continue
			}
			s.mu.Lock()
			for conn := range s.clients {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					delete(s.clients, conn)
					conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
