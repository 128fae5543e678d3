// Package app wires the operational HTTP surface: liveness, readiness, and
// metrics.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessProbe reports whether one dependency is usable.
type ReadinessProbe func(ctx context.Context) error

// OpsServer serves /healthz, /readyz, and /metrics on the ops port.
type OpsServer struct {
	srv    *http.Server
	log    *slog.Logger
	probes map[string]ReadinessProbe
}

// NewOpsServer builds the ops server. probes maps dependency name to its
// readiness check.
func NewOpsServer(port int, probes map[string]ReadinessProbe, log *slog.Logger) *OpsServer {
	o := &OpsServer{log: log, probes: probes}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", o.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	o.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return o
}

func (o *OpsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for name, probe := range o.probes {
		if err := probe(ctx); err != nil {
			o.log.Warn("readiness probe failed", slog.String("dependency", name), slog.Any("error", err))
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "%s: not ready", name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Start serves until Stop is called. Always returns a non-nil error;
// http.ErrServerClosed after a clean Stop.
func (o *OpsServer) Start() error {
	o.log.Info("ops server listening", slog.String("addr", o.srv.Addr))
	return o.srv.ListenAndServe()
}

// Stop drains and shuts the server down.
func (o *OpsServer) Stop(ctx context.Context) error {
	return o.srv.Shutdown(ctx)
}
