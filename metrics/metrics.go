// Package metrics holds the Prometheus collectors of the file server and the
// HTTP server that exposes them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/session-file-server/common"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)
)

var (
	FilesStored = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "files_stored_total",
		Help:      "Files written to the primary store, by id scheme.",
	}, []string{"scheme"})

	FilesFetched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "files_fetched_total",
		Help:      "File lookups, by where the file was found.",
	}, []string{"source"})

	IDCollisions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "id_collisions_total",
		Help:      "Random legacy ids that were already taken.",
	})

	ReplicaErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "replica_errors_total",
		Help:      "Failed writes to replica stores.",
	}, []string{"store"})

	FilesExpired = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "files_expired_total",
		Help:      "Files removed by the expiry sweep.",
	}, []string{"store"})

	StoredFiles = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "stored_files",
		Help:      "Number of files held by a store at the last stats run.",
	}, []string{"store"})

	StoredBytes = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "stored_bytes",
		Help:      "Total size of files held by a store at the last stats run.",
	}, []string{"store"})

	OnionRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "onion_requests_total",
		Help:      "Onion requests by protocol version and outcome.",
	}, []string{"version", "outcome"})

	AuthFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "auth_failures_total",
		Help:      "Rejected signed requests, by HTTP status.",
	}, []string{"status"})

	ReleasePolls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "release_polls_total",
		Help:      "Release version lookups, by outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Gatherer exposes the collectors of this package, mostly for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

type MetricsServer struct {
	srv *http.Server
}

func New(listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
