package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
)

type consumerView struct {
	Name    string  `json:"name"`
	Pending int64   `json:"pending"`
	IdleSec float64 `json:"idle_seconds"`
	Alive   bool    `json:"alive"`
}

type streamView struct {
	Length        int64          `json:"length"`
	Pending       int64          `json:"pending"`
	Delayed       int64          `json:"delayed"`
	ConsumerCount int            `json:"consumer_count"`
	Consumers     []consumerView `json:"consumers,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type syncStatus struct {
	Streams      map[string]streamView `json:"streams"`
	WorkersAlive int                   `json:"workers_alive"`
	Healthy      bool                  `json:"healthy"`
	CheckedAt    time.Time             `json:"checked_at"`
}

// handleSyncStatus reports queue depth per stream and which consumers are
// still polling. A consumer idle longer than StaleAfter counts as dead
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := syncStatus{
		Streams:   make(map[string]streamView),
		Healthy:   true,
		CheckedAt: time.Now().UTC(),
	}

	alive := make(map[string]bool)
	for _, stream := range []string{s.cfg.Streams.Operations, s.cfg.Streams.Webhooks} {
		st, err := s.queue.Stats(ctx, stream)
		if err != nil {
			s.logger.Error("Failed to read queue stats", "stream", stream, "error", err)
			status.Streams[stream] = streamView{Error: err.Error()}
			status.Healthy = false
			continue
		}
		view := s.streamView(st)
		for _, c := range view.Consumers {
			if c.Alive {
				alive[c.Name] = true
			}
		}
		// backends without per-consumer idle times only report attached consumers
		if len(st.Consumers) == 0 && st.ConsumerCount > 0 {
			alive[stream] = true
		}
		status.Streams[stream] = view
	}
	status.WorkersAlive = len(alive)
	if status.WorkersAlive == 0 {
		status.Healthy = false
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) streamView(st broker.Stats) streamView {
	view := streamView{
		Length:        st.Length,
		Pending:       st.Pending,
		Delayed:       st.Delayed,
		ConsumerCount: st.ConsumerCount,
	}
	for _, c := range st.Consumers {
		view.Consumers = append(view.Consumers, consumerView{
			Name:    c.Name,
			Pending: c.Pending,
			IdleSec: c.Idle.Seconds(),
			Alive:   c.Idle <= s.cfg.StaleAfter,
		})
	}
	return view
}

// handleHealth checks the dependencies the gateway cannot work without
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"queue": "ok", "database": "ok"}
	healthy := true
	if err := s.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": checks})
}
