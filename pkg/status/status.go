package status

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/beatwatch/internal/jsonx"
	"github.com/ryandielhenn/beatwatch/internal/telemetry"
	"github.com/ryandielhenn/beatwatch/pkg/liveness"
)

// Snapshotter is the read side of the liveness table.
type Snapshotter interface {
	SnapshotAll() []liveness.Entry
}

// Server serves read-only views of the liveness table.
type Server struct {
	table   Snapshotter
	timeout time.Duration
	logger  *zap.Logger
	srv     *http.Server
}

func NewServer(addr string, table Snapshotter, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{table: table, timeout: timeout, logger: logger.Named("status")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(s.Info)))
	mux.Handle("/clients", telemetry.Instrument("clients", http.HandlerFunc(s.Clients)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Start serves in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Healthz returns 200 OK to indicate the server is up.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, timeout and client counts.
func (s *Server) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID            int       `json:"pid"`
		Now            time.Time `json:"now"`
		TimeoutSeconds float64   `json:"timeout_seconds"`
		Clients        int       `json:"clients"`
		Alive          int       `json:"alive"`
	}
	all := s.table.SnapshotAll()
	alive := 0
	for _, e := range all {
		if e.State == liveness.StateAlive {
			alive++
		}
	}
	s.writeJSON(w, resp{
		PID:            os.Getpid(),
		Now:            time.Now(),
		TimeoutSeconds: s.timeout.Seconds(),
		Clients:        len(all),
		Alive:          alive,
	})
}

// ClientView is one row of /clients.
type ClientView struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	Silent   string    `json:"silent_for"`
}

// Clients lists every known client. The state is the table's flag as of
// the last sweep, so a client past its timeout still shows alive until the
// next sweep marks it.
func (s *Server) Clients(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	all := s.table.SnapshotAll()
	out := make([]ClientView, 0, len(all))
	for _, e := range all {
		out = append(out, ClientView{
			ID:       e.ID,
			State:    e.State.String(),
			LastSeen: e.LastSeen,
			Silent:   now.Sub(e.LastSeen).Truncate(time.Second).String(),
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
