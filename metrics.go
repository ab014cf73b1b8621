package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/AnishMulay/backupsvr/transport"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Total number of answered requests",
	}, []string{"op", "status"})
	metricAbortedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "server",
		Name:      "aborted_requests_total",
		Help:      "Total number of connections dropped without a response",
	}, []string{"stage"})
	metricReceivedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "server",
		Name:      "received_bytes_total",
		Help:      "Total amount of request data received",
	})
	metricSentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "server",
		Name:      "sent_bytes_total",
		Help:      "Total amount of response data sent",
	})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backupsvr",
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling a request, from header to response",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"op"})

	metricWatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Total number of file system events seen under the storage root",
	}, []string{"op"})
)

// metricsService serves the prometheus registry over HTTP.
type metricsService struct {
	addr   string
	logger logrus.FieldLogger
}

func (m *metricsService) String() string {
	return "metrics@" + m.addr
}

func (m *metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return &transport.ListenError{Addr: m.addr, Err: err}
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		m.logger.Infof("Serving metrics on %s", ln.Addr())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Warnf("Shutting down metrics server: %v", err)
		}
		return ctx.Err()
	}
}
