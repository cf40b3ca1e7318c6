// Package health serves the liveness check and job statistics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sipeed/ocrvoice/pkg/failover"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/usage"
)

const liveText = "ocrvoice bot running"

// Sources supplies the data behind /stats. Nil fields are omitted.
type Sources struct {
	Stats    *usage.Store
	Speech   func() failover.State
	LiveJobs func() []string
	Channels func() []string
}

type StatsResponse struct {
	Total     usage.Aggregate            `json:"total"`
	Today     usage.Aggregate            `json:"today"`
	ByChannel map[string]usage.Aggregate `json:"by_channel"`
	LiveJobs  int                        `json:"live_jobs"`
	Channels  []string                   `json:"channels,omitempty"`
	Speech    *failover.State            `json:"speech,omitempty"`
}

type Server struct {
	srv     *http.Server
	sources Sources
}

func NewServer(host string, port int, sources Sources) *Server {
	s := &Server{sources: sources}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleLive)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Start listens in the background. Listen errors are returned at once.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	logger.InfoCF("health", "Health server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, liveText)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := s.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.WarnCF("health", "Failed to encode stats", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) Snapshot() StatsResponse {
	resp := StatsResponse{ByChannel: map[string]usage.Aggregate{}}
	if st := s.sources.Stats; st != nil {
		all := st.Query(usage.Filter{})
		resp.Total = usage.AggregateRecords(all)
		resp.Today = usage.AggregateRecords(st.Query(usage.Filter{DayKey: st.TodayKey()}))
		resp.ByChannel = usage.ChannelBreakdown(all)
	}
	if s.sources.LiveJobs != nil {
		resp.LiveJobs = len(s.sources.LiveJobs())
	}
	if s.sources.Channels != nil {
		resp.Channels = s.sources.Channels()
	}
	if s.sources.Speech != nil {
		state := s.sources.Speech()
		resp.Speech = &state
	}
	return resp
}
