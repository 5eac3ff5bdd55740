// Package metrics declares the Gateway's Prometheus registrations, shared
// across internal/registry, internal/token, and internal/dispatch so every
// component increments the same counters rather than keeping private,
// unexported ones.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors, mirroring zmb3-teleport/lib/srv's package-level
// prometheus.NewCounter/MustRegister idiom (see lib/srv/ctx.go's serverTX/
// serverRX) rather than a struct the caller has to thread through
// constructors.
var (
	// SessionsRegistered counts internal/registry.Registry.Register calls
	// that succeeded.
	SessionsRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_registered_total",
		Help:      "Total number of sessions successfully registered.",
	})

	// SessionsTerminated counts sessions torn down via
	// internal/registry.Registry.Terminate or natural completion, labeled
	// by spec.md's outcome taxonomy.
	SessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_terminated_total",
		Help:      "Total number of sessions that finished, by outcome.",
	}, []string{"outcome"})

	// ReuseRejections counts internal/registry reuse-table collisions
	// (spec.md section 9, Open Question (b)/(c)).
	ReuseRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_reuse_rejections_total",
		Help:      "Total number of session registrations rejected for reusing a token slot already in use.",
	})

	// JWTRejected counts internal/token.Verifier.Verify failures, keyed by
	// the typed verification error's Kind per scenario S2 in spec.md.
	JWTRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jwt_rejected_total",
		Help:      "Total number of token verification failures, by reason.",
	}, []string{"reason"})

	// BytesTransferred counts tunnel engine byte-pump throughput, labeled
	// by direction (spec.md section 4.6).
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_transferred_total",
		Help:      "Total bytes shuttled by the tunnel engine, by direction.",
	}, []string{"direction"})
)

const namespace = "gateway"

func init() {
	prometheus.MustRegister(
		SessionsRegistered,
		SessionsTerminated,
		ReuseRejections,
		JWTRejected,
		BytesTransferred,
	)
}

// TunnelCounters implements internal/tunnel.Counters by incrementing
// BytesTransferred. The dispatch wiring's per-session tunnel.Counters
// forwards every byte update to it alongside the session's own counters, so
// throughput is visible without the tunnel engine itself importing this
// package.
type TunnelCounters struct{}

func (TunnelCounters) AddBytesRx(n uint64) {
	BytesTransferred.WithLabelValues("client_to_target").Add(float64(n))
}

func (TunnelCounters) AddBytesTx(n uint64) {
	BytesTransferred.WithLabelValues("target_to_client").Add(float64(n))
}
