package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/js-owl/maas-back/internal/broker"
	"github.com/js-owl/maas-back/internal/crm"
	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/internal/service"
)

// Queue is what the HTTP surface needs from the durable queue
type Queue interface {
	Publish(ctx context.Context, stream string, body []byte) (string, error)
	Stats(ctx context.Context, stream string) (broker.Stats, error)
	Ping(ctx context.Context) error
}

// PipelineFilter decides whether a webhook belongs to the configured pipeline
type PipelineFilter interface {
	InPipeline(categoryID, stageID string) bool
}

// DuplicateAdmin backs the duplicate-resolution admin endpoints
type DuplicateAdmin interface {
	FindDuplicates(ctx context.Context, orderID int64, knownID *int64) ([]crm.Deal, error)
	CleanupDuplicates(ctx context.Context, orderID int64) (service.CleanupResult, error)
	CleanupAll(ctx context.Context) ([]service.CleanupResult, error)
}

// Enqueuer schedules an outbound sync of one local entity
type Enqueuer interface {
	EnqueueUpdate(ctx context.Context, kind models.EntityKind, localID int64) error
}

// Store is the local database as seen by diagnostics and admin endpoints
type Store interface {
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	Streams      broker.Streams
	WebhookToken string
	AdminToken   string
	MaxBodyBytes int64
	// StaleAfter is how long a consumer may stay idle and still count as alive
	StaleAfter time.Duration
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Queue      Queue
	Scope      PipelineFilter
	Duplicates DuplicateAdmin
	Producer   Enqueuer
	Store      Store
}

type Server struct {
	queue    Queue
	scope    PipelineFilter
	dups     DuplicateAdmin
	producer Enqueuer
	store    Store
	cfg      ServerConfig
	logger   *slog.Logger
}

func NewServer(deps Deps, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Server{
		queue:    deps.Queue,
		scope:    deps.Scope,
		dups:     deps.Duplicates,
		producer: deps.Producer,
		store:    deps.Store,
		cfg:      cfg,
		logger:   logger.With("component", "httpapi"),
	}
}

// Handler routes every endpoint of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)

	mux.Handle("GET /sync/orders/{id}/duplicates", s.requireAdmin(s.handleFindDuplicates))
	mux.Handle("POST /sync/orders/{id}/duplicates/cleanup", s.requireAdmin(s.handleCleanupOrder))
	mux.Handle("POST /sync/duplicates/cleanup", s.requireAdmin(s.handleCleanupAll))
	mux.Handle("POST /sync/orders/{id}/enqueue", s.requireAdmin(s.handleEnqueue(models.KindDeal)))
	mux.Handle("POST /sync/users/{id}/enqueue", s.requireAdmin(s.handleEnqueue(models.KindContact)))
	return mux
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
