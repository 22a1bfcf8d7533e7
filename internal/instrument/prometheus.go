// Package instrument contains the prometheus collectors.
package instrument

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vpncore/vpncore/internal/model"
)

var (
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_availability_probes_total",
			Help: "Number of availability probes by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpncore_availability_probe_seconds",
			Help:    "Duration of availability probes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"protocol"},
	)
	checks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_availability_checks_total",
			Help: "Number of availability checks by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)
	certificateRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_certificate_refreshes_total",
			Help: "Number of certificate refresh operations by outcome",
		},
		[]string{"outcome"},
	)
	certificateFetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpncore_certificate_fetches_total",
			Help: "Number of certificate fetch network calls",
		},
	)
	selectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_selection_failures_total",
			Help: "Number of server selections that found no candidate",
		},
		[]string{"reason"},
	)
	intercepts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_connection_intercepts_total",
			Help: "Number of connection attempts stopped by an intercept policy",
		},
		[]string{"policy"},
	)
	catalogRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpncore_catalog_invalidations_total",
			Help: "Number of server catalog cache invalidations",
		},
	)
)

var registerOnce sync.Once

// Register registers the collectors with the default registerer. It is
// safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(probes)
		prometheus.MustRegister(probeDuration)
		prometheus.MustRegister(checks)
		prometheus.MustRegister(certificateRefreshes)
		prometheus.MustRegister(certificateFetches)
		prometheus.MustRegister(selectionFailures)
		prometheus.MustRegister(intercepts)
		prometheus.MustRegister(catalogRebuilds)
	})
}

// Serve exposes the registered metrics on address until ctx is done.
func Serve(ctx context.Context, logger model.Logger, address string) error {
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		srv.Close()
	})
	defer stop()
	logger.Infof("instrument: serving metrics on %s", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func outcome(ok bool) string {
	if ok {
		return "responded"
	}
	return "silent"
}

// Probe records the outcome of a single port probe.
func Probe(protocol string, ok bool, elapsed time.Duration) {
	probes.With(prometheus.Labels{"protocol": protocol, "outcome": outcome(ok)}).Inc()
	probeDuration.With(prometheus.Labels{"protocol": protocol}).Observe(elapsed.Seconds())
}

// Check records the aggregate outcome of an availability check.
func Check(protocol string, available bool) {
	result := "unavailable"
	if available {
		result = "available"
	}
	checks.With(prometheus.Labels{"protocol": protocol, "outcome": result}).Inc()
}

// CertificateRefresh records the terminal outcome of a refresh operation.
func CertificateRefresh(result string) {
	certificateRefreshes.With(prometheus.Labels{"outcome": result}).Inc()
}

// CertificateFetch counts a certificate fetch network call.
func CertificateFetch() {
	certificateFetches.Inc()
}

// SelectionFailure counts a selection that found no candidate.
func SelectionFailure(reason string) {
	selectionFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// Intercept counts a connection attempt stopped by a policy.
func Intercept(policy string) {
	intercepts.With(prometheus.Labels{"policy": policy}).Inc()
}

// CatalogInvalidated counts a server catalog invalidation.
func CatalogInvalidated() {
	catalogRebuilds.Inc()
}
