// Package server exposes the admin and lifecycle ingest HTTP API and a client for it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/gateway"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxIngestBody = 64 << 10

var codec = sonic.ConfigStd

// lifecycle paths accepted under /v1/lifecycle/
var lifecycleKinds = map[string]events.Kind{
	"started":   events.KindStarted,
	"heartbeat": events.KindHeartbeat,
	"stopped":   events.KindStopped,
}

// LifecyclePath is the ingest path segment of a lifecycle kind
func LifecyclePath(k events.Kind) (string, bool) {
	for path, kind := range lifecycleKinds {
		if kind == k {
			return path, true
		}
	}
	return "", false
}

// IngestRequest is the body of POST /v1/lifecycle/{kind}
type IngestRequest struct {
	InstanceID  uuid.UUID         `json:"instanceId"`
	ServiceType types.ServiceType `json:"serviceType"`
	Addresses   []string          `json:"addresses"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

type ingestResponse struct {
	EventID uuid.UUID `json:"eventId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegistryLister is the read side of the registry shown by the admin API
type RegistryLister interface {
	ListAll(ctx context.Context) (map[types.ServiceType][]types.ServiceInstance, error)
}

// DeadLetterLister returns recently dead-lettered messages
type DeadLetterLister interface {
	List() []bus.DeadLetter
}

// Admin serves health, metrics, lifecycle ingest and read-only views of the registry,
// the gateway snapshot and recent dead letters.
type Admin struct {
	pub         bus.Publisher
	registry    RegistryLister
	snapshots   gateway.RouteTableReader
	deadLetters DeadLetterLister
	limiter     *rate.Limiter
	clock       clockwork.Clock
}

type AdminOption func(*Admin)

// WithDeadLetters enables GET /v1/deadletters
func WithDeadLetters(l DeadLetterLister) AdminOption {
	return func(a *Admin) { a.deadLetters = l }
}

// WithRateLimit limits lifecycle ingest to r requests per second with the given burst
func WithRateLimit(r float64, burst int) AdminOption {
	return func(a *Admin) { a.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func WithAdminClock(c clockwork.Clock) AdminOption {
	return func(a *Admin) { a.clock = c }
}

func NewAdmin(pub bus.Publisher, registry RegistryLister, snapshots gateway.RouteTableReader, opts ...AdminOption) *Admin {
	a := &Admin{
		pub:       pub,
		registry:  registry,
		snapshots: snapshots,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler routes the admin API
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/lifecycle/{kind}", a.handleLifecycle)
	mux.HandleFunc("GET /v1/registry", a.handleRegistry)
	mux.HandleFunc("GET /v1/snapshot", a.handleSnapshot)
	mux.HandleFunc("GET /v1/deadletters", a.handleDeadLetters)
	return mux
}

func (a *Admin) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	kind, ok := lifecycleKinds[r.PathValue("kind")]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown lifecycle kind %q", r.PathValue("kind"))})
		return
	}
	if !a.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var req IngestRequest
	if err := codec.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("%v: %v", events.ErrMalformedEvent, err)})
		return
	}

	at := req.OccurredAt
	if at.IsZero() {
		at = a.clock.Now()
	}
	inst := types.ServiceInstance{InstanceID: req.InstanceID, ServiceType: req.ServiceType, Addresses: req.Addresses}
	var ev events.Event
	switch kind {
	case events.KindStarted:
		ev = events.Started(inst, at)
	case events.KindHeartbeat:
		ev = events.Heartbeat(inst, at)
	default:
		ev = events.Stopped(inst, at)
	}
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := a.pub.Publish(r.Context(), bus.TopicLifecycle, ev); err != nil {
		slog.Error("Failed publishing ingested event", append(ev.LogAttrs(), "error", err)...)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	slog.Debug("Ingested lifecycle event", ev.LogAttrs()...)
	writeJSON(w, http.StatusAccepted, ingestResponse{EventID: ev.ID})
}

func (a *Admin) handleRegistry(w http.ResponseWriter, r *http.Request) {
	all, err := a.registry.ListAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	view := make(map[string][]types.ServiceInstance, len(all))
	for st, list := range all {
		view[st.String()] = list
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *Admin) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := a.snapshots.Snapshot()
	w.Header().Set("X-Snapshot-Version", strconv.FormatUint(snap.Version(), 10))
	writeJSON(w, http.StatusOK, snap)
}

func (a *Admin) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	if a.deadLetters == nil {
		writeJSON(w, http.StatusOK, []bus.DeadLetter{})
		return
	}
	writeJSON(w, http.StatusOK, a.deadLetters.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		slog.Error("Failed encoding response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Serve runs handler on port until ctx is done, then shuts down within shutdownTimeout.
func Serve(ctx context.Context, name string, port int, handler http.Handler, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%s listen on %d: %w", name, port, err)
	}
	return ServeListener(ctx, name, lis, handler, shutdownTimeout)
}

// ServeListener is Serve on an existing listener
func ServeListener(ctx context.Context, name string, lis net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "server", name, "addr", lis.Addr().String())
		serveErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown incomplete", "server", name, "error", err)
			return srv.Close()
		}
		slog.Info("HTTP server stopped", "server", name)
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s serve: %w", name, err)
	}
}
