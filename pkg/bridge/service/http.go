package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/metrics"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/local"
)

// maxPublishBody caps POST /publish bodies.
const maxPublishBody = 1 << 20

// Health is the body of GET /healthz.
type Health struct {
	Status      string     `json:"status"`
	Transport   string     `json:"transport"`
	Topic       string     `json:"topic"`
	PumpRunning bool       `json:"pump_running"`
	HasValue    bool       `json:"has_value"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Connections int        `json:"connections"`
}

// Handler returns the HTTP handler serving the WebSocket endpoint and
// GET /healthz. POST /publish is added for the local transport and
// GET /metrics when metrics are kept in an in-memory Registry.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.config.HTTP.Path, s.listener.ServeWebsocket)
	mux.HandleFunc("GET /healthz", s.serveHealth)

	if s.bus != nil {
		mux.HandleFunc("POST /publish", s.servePublish)
	}
	if registry, ok := s.metricsProvider.(*metrics.Registry); ok {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(registry.Snapshot()); err != nil {
				s.logger.Debug("Failed to write metrics response", zap.Error(err))
			}
		})
	}

	return mux
}

// Health reports the current state of the bridge.
func (s *Service) Health() Health {
	snapshot := s.cell.Snapshot()

	health := Health{
		Status:      "ok",
		Transport:   s.config.Transport,
		Topic:       s.config.Topic,
		PumpRunning: s.PumpRunning(),
		HasValue:    snapshot.Present,
		Connections: s.listener.ConnectionCount(),
	}
	if snapshot.Present {
		updatedAt := snapshot.UpdatedAt
		health.UpdatedAt = &updatedAt
	}
	if !health.PumpRunning {
		health.Status = "degraded"
	}

	return health
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := s.Health()

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// servePublish publishes the request body to the configured topic on the
// in-process bus.
func (s *Service) servePublish(w http.ResponseWriter, r *http.Request) {
	if s.config.Transport != config.TransportLocal {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := local.NewPublisher(s.bus).Publish(r.Context(), s.config.Topic, body); err != nil {
		s.logger.Warn("Publish failed", zap.Error(err))
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
