// Package relay assembles the relay server: channel registry, event bus,
// connection hub, and the HTTP listener carrying the websocket endpoint.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/canvaslink/relay/internal/config"
	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/channel"
	"github.com/canvaslink/relay/pkg/dispatch"
	"github.com/canvaslink/relay/pkg/events"
	"github.com/canvaslink/relay/pkg/hub"
	"github.com/canvaslink/relay/pkg/types"
)

// Version is the relay server version
const Version = "0.3.0"

// Relay is the assembled relay server
type Relay struct {
	cfg        *config.Config
	registry   *channel.Registry
	bus        *events.Bus
	hub        *hub.Hub
	adapters   *dispatch.AdapterRegistry
	httpServer *http.Server
	logger     *logger.Logger
}

// New builds a relay from configuration. The built-in design-tool
// adapter is registered; callers may register more before Start.
func New(cfg *config.Config, log *logger.Logger) (*Relay, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Global()
	}

	registry := channel.New(log)
	bus := events.New(cfg.Event, log)
	h := hub.New(cfg.Relay, cfg.Server, registry, bus, log)

	adapters := dispatch.NewAdapterRegistry()
	if err := adapters.Register(dispatch.NewDesignToolAdapter()); err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		hub:      h,
		adapters: adapters,
		logger:   log.With("component", "relay"),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, h)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/stats", r.handleStats)

	r.httpServer = &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	return r, nil
}

// Start begins serving. It blocks until the listener fails or Stop is
// called; a clean shutdown returns nil.
func (r *Relay) Start() error {
	r.logger.Info("Relay listening",
		"addr", r.cfg.Server.Addr(),
		"path", r.cfg.Server.Path,
		"version", Version)

	if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return types.WrapError(types.ErrCodeInternal, "http server failed", err)
	}
	return nil
}

// Stop drains connections and shuts the server down
func (r *Relay) Stop(ctx context.Context) error {
	r.logger.Info("Stopping relay...")

	shutdownCtx, cancel := context.WithTimeout(ctx, r.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting upgrades first, then close the live connections so
	// their cleanup (channel leave, in-flight failure) runs.
	err := r.httpServer.Shutdown(shutdownCtx)

	if cerr := r.hub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if berr := r.bus.Close(); berr != nil && err == nil {
		err = berr
	}

	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "relay shutdown failed", err)
	}
	r.logger.Info("Relay stopped")
	return nil
}

// Handler returns the relay's HTTP handler, for embedding the relay in
// an existing server instead of running Start
func (r *Relay) Handler() http.Handler {
	return r.httpServer.Handler
}

// Dispatcher returns a command dispatcher bound to the named adapter
func (r *Relay) Dispatcher(adapterName string) (*dispatch.Dispatcher, error) {
	adapter, err := r.adapters.Get(adapterName)
	if err != nil {
		return nil, err
	}
	return dispatch.New(adapter, r.registry, r.hub.Router(), r.cfg.Relay.DefaultTimeout, r.logger)
}

// RegisterAdapter adds an application adapter
func (r *Relay) RegisterAdapter(a dispatch.Adapter) error {
	return r.adapters.Register(a)
}

// Hub returns the connection hub
func (r *Relay) Hub() *hub.Hub {
	return r.hub
}

// Registry returns the channel registry
func (r *Relay) Registry() *channel.Registry {
	return r.registry
}

// Events returns the event bus
func (r *Relay) Events() *events.Bus {
	return r.bus
}

// handleHealth answers liveness probes
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats reports hub, router, and channel statistics
func (r *Relay) handleStats(w http.ResponseWriter, req *http.Request) {
	stats := struct {
		Hub      hub.Stats      `json:"hub"`
		Channels []channel.Info `json:"channels"`
		Adapters []string       `json:"adapters"`
	}{
		Hub:      r.hub.Stats(),
		Channels: r.registry.Channels(),
		Adapters: r.adapters.Names(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
