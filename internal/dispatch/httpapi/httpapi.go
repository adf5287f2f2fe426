// Package httpapi exposes the dispatcher's optional ambient diagnostics
// surface (spec §2.5 supplement): a health check for checkActive() and
// a snapshot of per-worker queue depth. It never touches scheduling —
// dispatchctl talks to this surface, it does not reimplement dispatcher
// internals.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mycelian/docdispatch/internal/store"
)

const shutdownGrace = 5 * time.Second

// Checker reports whether the dispatcher is still healthy
// (dispatch.Dispatcher satisfies this via CheckActive/FatalErr).
type Checker interface {
	CheckActive() bool
	FatalErr() error
}

// Server is the diagnostics HTTP surface.
type Server struct {
	checker Checker
	tasks   store.Tasks
	log     zerolog.Logger
	srv     *http.Server
}

// New builds a Server bound to addr. Start it with Run.
func New(addr string, checker Checker, tasks store.Tasks, log zerolog.Logger) *Server {
	s := &Server{checker: checker, tasks: tasks, log: log.With().Str("component", "httpapi").Logger()}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("diagnostics surface listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.checker.CheckActive()
	resp := healthResponse{Healthy: healthy}
	if !healthy {
		if err := s.checker.FatalErr(); err != nil {
			resp.Error = err.Error()
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.CountAvailableByWorker(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(counts)
}
