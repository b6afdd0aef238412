package observability

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals // Singleton: one metrics endpoint per process
var startOnce sync.Once

// StartMetricsServer exposes /metrics on addr. The sweep runs one unit at a
// time for hours; the endpoint is how operators watch progress without
// tailing logs. Subsequent calls are no-ops.
func StartMetricsServer(log logrus.FieldLogger, addr string) {
	startOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 15 * time.Second,
			Handler:           mux,
		}

		go func() {
			log.WithField("addr", addr).Info("Starting metrics server")

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	})
}
