package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProviders supplies the live JSON views exposed by the status server.
// A nil provider disables its endpoint.
type StatusProviders struct {
	// Stats returns the aggregate run-statistics snapshot.
	Stats func() any
	// Flaky returns the flaky-test report.
	Flaky func() any
}

// StartServer starts the metrics/status HTTP endpoint in a background
// goroutine: /metrics (Prometheus), /healthz, /readyz, and JSON views of the
// run under /stats and /flaky. The server shuts down gracefully when ctx is
// cancelled.
func StartServer(ctx context.Context, addr string, logger *slog.Logger, prov StatusProviders) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if prov.Stats != nil {
		r.Get("/stats", jsonHandler(prov.Stats))
	}
	if prov.Flaky != nil {
		r.Get("/flaky", jsonHandler(prov.Flaky))
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

func jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fn())
	}
}
