// Package metrics exposes the mint node's request and cache counters over
// the standard Prometheus client, matching the instrumentation the signer
// process carries for its own RPC surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintd",
		Name:      "requests_total",
		Help:      "Total requests handled, by route and status class.",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mintd",
		Name:      "request_duration_seconds",
		Help:      "Request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	ResponseCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintd",
		Name:      "response_cache_total",
		Help:      "Idempotent response cache lookups, by outcome.",
	}, []string{"outcome"}) // hit, miss, inflight

	SignerRPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintd",
		Name:      "signer_rpc_retries_total",
		Help:      "Retries issued against the signer, by RPC method.",
	}, []string{"method"})
)

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// UnaryServerInterceptor records the same requests_total/request_duration_seconds
// pair Instrument gives REST routes, labeled by gRPC method, so the signer (which
// carries no REST surface) gets identical instrumentation on its one transport.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		RequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		status := "2xx"
		if err != nil {
			status = "5xx"
		}
		RequestsTotal.WithLabelValues(info.FullMethod, status).Inc()
		return resp, err
	}
}

// Instrument wraps an http.HandlerFunc, recording a request counter and
// latency histogram labeled with the given routeName.
func Instrument(routeName string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next(rec, req)
		RequestDuration.WithLabelValues(routeName).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(routeName, statusClass(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
