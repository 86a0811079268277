package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Handler routes /metrics to the dedicated registry and /healthz to
// |health|. A degraded process still answers 200 on /healthz, it is
// doing useful work; only unhealthy turns into 503.
func (s *Set) Handler(health func() Health) http.Handler {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		var h = health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}

// Serve exposes Handler on |addr| until |ctx| is cancelled.
func (s *Set) Serve(ctx context.Context, addr string, health func() Health) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for metrics: %w", addr, err)
	}
	var server = &http.Server{Handler: s.Handler(health)}

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithField("error", err).Warn("metrics server shutdown")
		}
	}()

	log.WithField("addr", listener.Addr().String()).Info("serving metrics and health")
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
