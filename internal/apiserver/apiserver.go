// Package apiserver wires the node daemon's two HTTP surfaces: a
// Prometheus metrics endpoint and a ConnectRPC health-check endpoint
// (grpc.health.v1), both served as plain HTTP servers under an errgroup.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dither/ditherd/internal/config"
)

// readHeaderTimeout bounds the time a server waits to read request headers.
const readHeaderTimeout = 10 * time.Second

// healthServiceName is the ConnectRPC health-check service name reported
// for the node daemon itself. There is no custom RPC service behind it --
// grpchealth reports liveness of the daemon process, not of any particular
// node operation.
const healthServiceName = "ditherd.v1.NodeService"

// NewMetricsServer creates an HTTP server exposing the Prometheus metrics
// endpoint at cfg.Path.
func NewMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// NewHealthServer creates an HTTP server exposing a ConnectRPC health-check
// handler (grpc.health.v1), wrapped with h2c so plaintext HTTP/2 clients
// can reach it without TLS.
func NewHealthServer(cfg config.HealthConfig) *http.Server {
	mux := http.NewServeMux()

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		healthServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ListenAndServe binds addr via a context-aware ListenConfig and serves srv
// until the context is cancelled or srv.Shutdown is called elsewhere.
// http.ErrServerClosed is swallowed since it signals a clean shutdown.
func ListenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops every server, returning the joined errors of
// any that failed to drain within ctx's deadline.
func Shutdown(ctx context.Context, servers ...*http.Server) error {
	var joined error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("shutdown server %s: %w", srv.Addr, err))
		}
	}
	return joined
}
