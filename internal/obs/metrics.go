package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	accountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_account_lockouts_total",
		Help: "Accounts transitioned into the locked state.",
	})

	authzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_denials_total",
			Help: "Authorization denials by failed condition.",
		},
		[]string{"reason"},
	)

	tenantFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_resolution_failures_total",
			Help: "Rejected tenant resolutions by reason.",
		},
		[]string{"reason"},
	)

	rateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check succeeded.",
	})

	initOnce sync.Once
	ready    atomic.Bool
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, accountLockouts, authzDenials, tenantFailures, rateRejections,
			readyGauge,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
// A segment is treated as an identifier when it follows a collection name under
// /api/v1 (roles, permissions, users, tenants).
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if _, ok := idCollections[parts[i-1]]; ok && !isStaticSegment(parts[i]) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

var idCollections = map[string]struct{}{
	"roles":       {},
	"permissions": {},
	"users":       {},
	"tenants":     {},
}

func isStaticSegment(s string) bool {
	switch s {
	case "register", "current", "settings":
		return true
	}
	return false
}

// RecordLogin counts a login attempt outcome (success, invalid_credentials, locked, mfa_required, mfa_invalid).
func RecordLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// RecordLockout counts a transition into the locked state.
func RecordLockout() { accountLockouts.Inc() }

// RecordDenial counts an authorization denial.
func RecordDenial(reason string) { authzDenials.WithLabelValues(reason).Inc() }

// RecordTenantFailure counts a rejected tenant resolution.
func RecordTenantFailure(reason string) { tenantFailures.WithLabelValues(reason).Inc() }

// RecordRateLimited counts a request rejected by a limiter scope.
func RecordRateLimited(scope string) { rateRejections.WithLabelValues(scope).Inc() }

// SetReady publishes the last readiness result.
func SetReady(ok bool) {
	ready.Store(ok)
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Ready reports the last readiness result.
func Ready() bool { return ready.Load() }

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
