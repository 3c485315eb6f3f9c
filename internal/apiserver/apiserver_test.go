package apiserver_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/apiserver"
	"github.com/dither/ditherd/internal/config"
)

// freeAddr reserves an ephemeral loopback port and releases it immediately,
// returning its "host:port" string for a server to bind moments later.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestMetricsServerServesRegisteredMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total"})
	reg.MustRegister(counter)
	counter.Inc()

	addr := freeAddr(t)
	srv := apiserver.NewMetricsServer(config.MetricsConfig{Addr: addr, Path: "/metrics"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- apiserver.ListenAndServe(ctx, srv, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, apiserver.Shutdown(shutdownCtx, srv))
	<-errCh
}

func TestHealthServerAnswersCheckRoute(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := apiserver.NewHealthServer(config.HealthConfig{Addr: addr})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- apiserver.ListenAndServe(ctx, srv, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/grpc.health.v1.Health/Check")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode != 0
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, apiserver.Shutdown(shutdownCtx, srv))
	<-errCh
}
