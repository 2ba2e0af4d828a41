package relay

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// State is a client session's position in its lifecycle, per spec.md §3.
type State int

const (
	StateNew State = iota
	StateUnauth
	StateAuth
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateUnauth:
		return "unauth"
	case StateAuth:
		return "auth"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one TCP connection's worth of state: its place in the
// NEW/UNAUTH/AUTH/DRAINING/CLOSED state machine, any pending login
// challenge, and the rate-limit counters for the connection's lifetime.
//
// A Session is only ever read from or mutated by its own connection
// goroutine except for the fields guarded explicitly by mu, which other
// goroutines (the presence broadcaster, a sender's dispatch handler) touch
// to read the bound username or to write a frame directly to this peer.
type Session struct {
	ConnID string
	conn   net.Conn
	log    zerolog.Logger

	limiter *RateLimiter

	// Queue is this session's own offline-message backlog. It belongs to the
	// connection slot, not to a username: a message queued here survives
	// only as long as this particular slot is live, matching spec.md §9's
	// documented (not "fixed") queue-ownership behavior.
	Queue *Queue

	// Challenge is generated once, at accept time, and never rotated for
	// the life of the session.
	Challenge [wire.ChallengeSize]byte

	writeMu sync.Mutex // serializes frame writes from concurrent goroutines

	mu               sync.Mutex
	state            State
	username         string // claimed by REGISTER or LOGIN, never cleared
	wasAuthenticated bool   // set once this session has completed LOGIN_USER
}

// NewSession wraps an accepted connection in fresh NEW-state, with a
// freshly minted challenge and an empty offline queue, per spec.md §4.9
// ("for each accepted connection: find a slot, zero it, generate a
// challenge, start a dispatcher task").
func NewSession(conn net.Conn, limiter *RateLimiter, queueSize int, log zerolog.Logger) (*Session, error) {
	id := xid.New().String()
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	return &Session{
		ConnID:    id,
		conn:      conn,
		log:       log.With().Str("conn_id", id).Logger(),
		limiter:   limiter,
		Queue:     NewQueue(queueSize),
		Challenge: challenge,
		state:     StateNew,
	}, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the session to next, regardless of the current
// state; callers are responsible for only calling this along valid edges of
// spec.md §3's state table.
func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Username returns the username claimed by this connection, via either
// REGISTER_USER or LOGIN_USER, or "" if neither has happened yet.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// IsAuthenticated reports whether this session is in the AUTH state and
// therefore eligible to send and receive messages.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuth
}

// everAuthenticated reports whether this session has completed LOGIN_USER
// at any point in its lifetime, used at teardown to decide whether an
// OFFLINE status broadcast is owed.
func (s *Session) everAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasAuthenticated
}

// bindIdentity transitions the session to AUTH and binds username, called
// once by a successful LOGIN_USER handshake. §4.8 only wires the
// UNAUTH→AUTH edge to LOGIN, not REGISTER.
func (s *Session) bindIdentity(username string) {
	s.mu.Lock()
	s.username = username
	s.state = StateAuth
	s.wasAuthenticated = true
	s.mu.Unlock()
}

// claimIdentity records username as this connection's claimed slot without
// authenticating it, called on a successful REGISTER_USER. Per spec.md §9's
// open question, a recipient's queue belongs to "any live (even
// unauthenticated) slot" claimed under their name, so a connection that has
// only registered (not yet logged in) can still receive and hold queued
// messages for itself.
func (s *Session) claimIdentity(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// WriteFrame serializes concurrent writers so a presence fan-out and this
// connection's own dispatch goroutine never interleave bytes on the wire.
func (s *Session) WriteFrame(typ wire.Type, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, typ, payload)
}

// WriteFrameTimeout is WriteFrame with a bounded write deadline, for writes
// made into a session by a goroutine other than its own dispatcher (the
// presence broadcaster). A peer that stops reading must not be able to pin
// the calling dispatcher forever, per spec.md §5; the deadline is cleared
// again before return so it never bleeds into this session's own reads.
func (s *Session) WriteFrameTimeout(typ wire.Type, payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return wire.WriteFrame(s.conn, typ, payload)
}

// Close marks the session CLOSED, scrubs any ciphertext still sitting in
// its queue, and closes the underlying connection. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.setState(StateClosed)
	s.Queue.Clear()
	return s.conn.Close()
}

// setReadDeadline arms a read deadline on the underlying connection, used so a
// slow or hung peer cannot pin a goroutine and a queue slot forever.
func (s *Session) setReadDeadline(d time.Duration) {
	if d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
	}
}
