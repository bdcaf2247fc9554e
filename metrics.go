package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// statsInterval is how often the stats logger reports.
const statsInterval = time.Minute

// Prometheus collectors, exposed on the admin API's /metrics endpoint.
var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_connections_total",
		Help: "TCP connections accepted since start.",
	})
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_active",
		Help: "Currently open TCP connections.",
	})
	framesInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_frames_in_total",
		Help: "Complete request frames extracted from client streams.",
	})
	framesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_frames_out_total",
		Help: "Response frames written to client streams.",
	})
	messagesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_stored_total",
		Help: "Direct messages persisted to the store.",
	})
)

// Stats accumulates frame counts between ticks of the stats logger.
// Reset on each Snapshot call.
type Stats struct {
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// Snapshot returns the counts accumulated since the last call and
// resets them.
func (st *Stats) Snapshot() (framesIn, framesOut uint64) {
	return st.framesIn.Swap(0), st.framesOut.Swap(0)
}

// RunStatsLogger logs session and frame stats every interval until ctx
// is cancelled. Quiet intervals are skipped.
func RunStatsLogger(ctx context.Context, srv *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, out := srv.Stats().Snapshot()
			sessions := srv.Registry().Count()
			if sessions > 0 || in > 0 || out > 0 {
				slog.Info("stats",
					"sessions", sessions,
					"frames_in", in,
					"frames_out", out,
				)
			}
		}
	}
}
