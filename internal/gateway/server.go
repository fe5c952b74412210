// Package gateway serves the operational HTTP surface of the gateway
// process: liveness with channel status, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/metrics"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// ChannelStatus reports which platform channels are running.
type ChannelStatus interface {
	GetStatus() map[store.Platform]bool
}

// Server is the HTTP server for health and metrics.
type Server struct {
	cfg      config.GatewayConfig
	channels ChannelStatus
	version  string
	started  time.Time

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a server. channels may be nil.
func NewServer(cfg config.GatewayConfig, channels ChannelStatus, version string) *Server {
	return &Server{cfg: cfg, channels: channels, version: version, started: time.Now()}
}

// BuildMux returns the route table, building it once.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	path := s.cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	mux.Handle("GET "+path, metrics.Handler())

	s.mux = mux
	return mux
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "addr", addr, "metrics", s.cfg.MetricsPath)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Channels map[string]bool `json:"channels,omitempty"`
	Down     []string        `json:"down,omitempty"`
}

// handleHealth answers 503 when channels are configured but none is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	}
	code := http.StatusOK

	if s.channels != nil {
		status := s.channels.GetStatus()
		resp.Channels = make(map[string]bool, len(status))
		running := 0
		for p, up := range status {
			resp.Channels[string(p)] = up
			if up {
				running++
			} else {
				resp.Down = append(resp.Down, string(p))
			}
		}
		sort.Strings(resp.Down)
		switch {
		case len(status) > 0 && running == 0:
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		case len(resp.Down) > 0:
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
