// Package health reports server readiness over HTTP and the gRPC health
// protocol.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "moodchat.Chat"

const (
	checkTimeout   = 2 * time.Second
	statusInterval = 15 * time.Second
)

// Pinger checks storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeyStatus reports which credentials are active.
type KeyStatus interface {
	Degraded() bool
}

// Report is the JSON health document.
type Report struct {
	Status        string  `json:"status"`
	Store         string  `json:"store"`
	SharedKeys    bool    `json:"shared_keys"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Handler serves health checks.
type Handler struct {
	store   Pinger
	keys    KeyStatus
	started time.Time
}

// NewHandler creates a Handler.
func NewHandler(store Pinger, keys KeyStatus) *Handler {
	return &Handler{store: store, keys: keys, started: time.Now()}
}

// Check runs every probe. Status is "ok", "degraded" when shared keys are
// active, or "unavailable" when storage does not answer.
func (h *Handler) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	r := Report{Status: "ok", Store: "ok", UptimeSeconds: time.Since(h.started).Seconds()}
	if h.keys != nil && h.keys.Degraded() {
		r.SharedKeys = true
		r.Status = "degraded"
	}
	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("Health check: store ping failed", "error", err)
		r.Store = err.Error()
		r.Status = "unavailable"
	}
	return r
}

// RegisterHealth registers GET /api/health.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Serve runs the gRPC health service on lis until ctx is cancelled.
func (h *Handler) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	h.syncStatus(ctx, hs)

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				h.syncStatus(ctx, hs)
			}
		}
	}()

	slog.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (h *Handler) syncStatus(ctx context.Context, hs *grpchealth.Server) {
	status := healthpb.HealthCheckResponse_SERVING
	if h.Check(ctx).Status == "unavailable" {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(ServiceName, status)
}
