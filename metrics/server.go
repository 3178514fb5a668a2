package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the body of /healthz.
type Status struct {
	NodeID          string `json:"node_id"`
	CurrentEra      uint64 `json:"current_era"`
	FinalizedHeight uint64 `json:"finalized_height"`
	HasFinalized    bool   `json:"has_finalized"`
	ExecutedHeight  uint64 `json:"executed_height"`
	Halted          bool   `json:"halted"`
	Peers           int    `json:"peers"`
}

// StatusFunc reports the node's status.
type StatusFunc func() Status

// Server provides 프로메테우스 매트릭과 헬스 체크를 위한 HTTP 서버를 제공
//
//	GET /metrics   Prometheus exposition
//	GET /healthz   Status JSON, 503 when halted
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer creates a new metrics HTTP server. A nil gatherer uses the default registry.
func NewServer(addr string, gatherer prometheus.Gatherer, status StatusFunc, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler(status)).Methods(http.MethodGet)

	return &Server{
		addr:   addr,
		logger: logger.Named("metrics"),
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func healthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var st Status
		if status != nil {
			st = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if st.Halted {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.logger.Info("metrics server started", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
