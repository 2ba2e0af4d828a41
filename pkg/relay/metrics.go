package relay

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// relayMetrics holds every counter and histogram the relay exposes, grouped
// the way pkg/api/api0's apiMetrics groups HTTP request-result counters: one
// struct field per concern, with a result label distinguishing outcomes of
// the same operation.
type relayMetrics struct {
	set *metrics.Set

	connections_accepted_total *metrics.Counter
	connections_rejected_total struct {
		listener_limit *metrics.Counter
	}
	connections_active *metrics.Counter

	frames_received_total struct {
		register_user  *metrics.Counter
		login_user     *metrics.Counter
		get_public_key *metrics.Counter
		send_message   *metrics.Counter
		get_messages   *metrics.Counter
		set_status     *metrics.Counter
		list_users     *metrics.Counter
		logout         *metrics.Counter
		unknown        *metrics.Counter
	}
	frames_rejected_total struct {
		invalid_username      *metrics.Counter
		user_exists           *metrics.Counter
		user_not_found        *metrics.Counter
		auth_failed           *metrics.Counter
		invalid_format        *metrics.Counter
		rate_limit            *metrics.Counter
		server_error          *metrics.Counter
		connection_terminated *metrics.Counter
	}

	auth_attempts_total struct {
		success *metrics.Counter
		failure *metrics.Counter
	}

	messages_delivered_live_total     *metrics.Counter
	messages_queued_total             *metrics.Counter
	messages_dropped_queue_full_total *metrics.Counter

	ratelimit_trips_total *metrics.Counter

	registry_overflow_total *metrics.Counter

	frame_payload_size_bytes *metrics.Histogram
}

// newRelayMetrics allocates a fresh, unregistered metric set so tests never
// collide with a process-wide default registry.
func newRelayMetrics() *relayMetrics {
	m := &relayMetrics{set: metrics.NewSet()}

	m.connections_accepted_total = m.set.NewCounter(`chatrelay_connections_accepted_total`)
	m.connections_rejected_total.listener_limit = m.set.NewCounter(`chatrelay_connections_rejected_total{reason="listener_limit"}`)
	m.connections_active = m.set.NewCounter(`chatrelay_connections_active`)

	m.frames_received_total.register_user = m.set.NewCounter(`chatrelay_frames_received_total{type="register_user"}`)
	m.frames_received_total.login_user = m.set.NewCounter(`chatrelay_frames_received_total{type="login_user"}`)
	m.frames_received_total.get_public_key = m.set.NewCounter(`chatrelay_frames_received_total{type="get_public_key"}`)
	m.frames_received_total.send_message = m.set.NewCounter(`chatrelay_frames_received_total{type="send_message"}`)
	m.frames_received_total.get_messages = m.set.NewCounter(`chatrelay_frames_received_total{type="get_messages"}`)
	m.frames_received_total.set_status = m.set.NewCounter(`chatrelay_frames_received_total{type="set_status"}`)
	m.frames_received_total.list_users = m.set.NewCounter(`chatrelay_frames_received_total{type="list_users"}`)
	m.frames_received_total.logout = m.set.NewCounter(`chatrelay_frames_received_total{type="logout"}`)
	m.frames_received_total.unknown = m.set.NewCounter(`chatrelay_frames_received_total{type="unknown"}`)

	m.frames_rejected_total.invalid_username = m.set.NewCounter(`chatrelay_frames_rejected_total{code="invalid_username"}`)
	m.frames_rejected_total.user_exists = m.set.NewCounter(`chatrelay_frames_rejected_total{code="user_exists"}`)
	m.frames_rejected_total.user_not_found = m.set.NewCounter(`chatrelay_frames_rejected_total{code="user_not_found"}`)
	m.frames_rejected_total.auth_failed = m.set.NewCounter(`chatrelay_frames_rejected_total{code="auth_failed"}`)
	m.frames_rejected_total.invalid_format = m.set.NewCounter(`chatrelay_frames_rejected_total{code="invalid_format"}`)
	m.frames_rejected_total.rate_limit = m.set.NewCounter(`chatrelay_frames_rejected_total{code="rate_limit"}`)
	m.frames_rejected_total.server_error = m.set.NewCounter(`chatrelay_frames_rejected_total{code="server_error"}`)
	m.frames_rejected_total.connection_terminated = m.set.NewCounter(`chatrelay_frames_rejected_total{code="connection_terminated"}`)

	m.auth_attempts_total.success = m.set.NewCounter(`chatrelay_auth_attempts_total{result="success"}`)
	m.auth_attempts_total.failure = m.set.NewCounter(`chatrelay_auth_attempts_total{result="failure"}`)

	m.messages_delivered_live_total = m.set.NewCounter(`chatrelay_messages_delivered_live_total`)
	m.messages_queued_total = m.set.NewCounter(`chatrelay_messages_queued_total`)
	m.messages_dropped_queue_full_total = m.set.NewCounter(`chatrelay_messages_dropped_queue_full_total`)

	m.ratelimit_trips_total = m.set.NewCounter(`chatrelay_ratelimit_trips_total`)
	m.registry_overflow_total = m.set.NewCounter(`chatrelay_registry_overflow_total`)

	m.frame_payload_size_bytes = m.set.NewHistogram(`chatrelay_frame_payload_size_bytes`)

	return m
}

// rejectCounter returns the rejection counter matching an ErrorCode, used by
// dispatch to record why a frame was refused without a long switch at each
// call site.
func (m *relayMetrics) rejectCounter(code ErrorCode) *metrics.Counter {
	switch code {
	case ErrorInvalidUsername:
		return m.frames_rejected_total.invalid_username
	case ErrorUserExists:
		return m.frames_rejected_total.user_exists
	case ErrorUserNotFound:
		return m.frames_rejected_total.user_not_found
	case ErrorAuthFailed:
		return m.frames_rejected_total.auth_failed
	case ErrorInvalidFormat:
		return m.frames_rejected_total.invalid_format
	case ErrorRateLimit:
		return m.frames_rejected_total.rate_limit
	case ErrorServer:
		return m.frames_rejected_total.server_error
	case ErrorConnectionTerminated:
		return m.frames_rejected_total.connection_terminated
	default:
		// every ErrorCode the server itself produces is listed above; this
		// only catches a future code added here without a matching counter.
		return m.frames_rejected_total.server_error
	}
}

// WritePrometheus writes every metric in Prometheus text exposition format,
// mirroring Handler.WritePrometheus in pkg/api/api0.
func (m *relayMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
