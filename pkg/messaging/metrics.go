package messaging

import "time"

// Metrics is the collaborator the hub reports droppped-message, timeout,
// and connection accounting through. internal/telemetry provides the
// Prometheus-backed implementation; NoopMetrics exists for tests and
// standalone use.
type Metrics interface {
	IncDropped(verb Verb)
	IncTimeoutsTotal()
	IncPeerTimeout(peer string)
	ObserveLatency(peer string, d time.Duration)
	SetPending(peer string, n int64)
	IncCompleted(peer string)
}

// NoopMetrics discards everything; it's the hub's default when no
// Metrics collaborator is supplied.
type NoopMetrics struct{}

func (NoopMetrics) IncDropped(Verb)                    {}
func (NoopMetrics) IncTimeoutsTotal()                  {}
func (NoopMetrics) IncPeerTimeout(string)               {}
func (NoopMetrics) ObserveLatency(string, time.Duration) {}
func (NoopMetrics) SetPending(string, int64)            {}
func (NoopMetrics) IncCompleted(string)                 {}

// LatencySubscriber receives round-trip timing for callbacks that opt in
// via Callback.IsLatencyForSnitch.
type LatencySubscriber interface {
	ReceiveTiming(endpoint string, latency time.Duration)
}

// InternodeAuthenticator gates inbound connections before any bytes are
// read off the socket.
type InternodeAuthenticator interface {
	Authenticate(addr string, port int) bool
}

// AllowAllAuthenticator accepts every peer; useful for tests and
// single-tenant deployments with no internode auth configured.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(string, int) bool { return true }
