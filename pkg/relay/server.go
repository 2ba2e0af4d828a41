package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// idleReadTimeout bounds how long a connection may sit without sending a
// frame before it is dropped, so a hung peer cannot pin a queue and a
// goroutine forever.
const idleReadTimeout = 10 * time.Minute

// Server accepts connections, authenticates sessions, and relays messages
// between them, implementing the accept/shutdown loop of spec.md §4.9.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *relayMetrics

	registry *UserRegistry

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	nextMessageID atomic.Uint32

	activeConns atomic.Int64

	listener net.Listener
	closing  atomic.Bool
}

// acquireSlot reserves one of cfg.MaxClients connection slots, reporting
// whether a slot was available. cfg.MaxClients <= 0 means unlimited.
func (s *Server) acquireSlot() bool {
	if s.cfg.MaxClients <= 0 {
		return true
	}
	for {
		cur := s.activeConns.Load()
		if cur >= int64(s.cfg.MaxClients) {
			return false
		}
		if s.activeConns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// releaseSlot returns a slot reserved by acquireSlot once a connection ends.
func (s *Server) releaseSlot() {
	if s.cfg.MaxClients <= 0 {
		return
	}
	s.activeConns.Add(-1)
}

// NewServer builds a Server from cfg, assumed already populated by
// UnmarshalEnv or equivalent defaults.
func NewServer(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		metrics:  newRelayMetrics(),
		registry: NewUserRegistry(cfg.MaxUsers),
		sessions: make(map[string]*Session),
	}
}

// Metrics exposes the server's metric set for an HTTP /metrics handler to
// write out, mirroring Handler.WritePrometheus in the teacher's HTTP API.
func (s *Server) Metrics() *relayMetrics {
	return s.metrics
}

// sessionFor returns the live session slot currently bound to username, if
// any. A recipient's offline queue lives on this session, not in any
// server-wide store; once the slot is gone, so is its backlog, per
// spec.md §9.
func (s *Server) sessionFor(username string) (*Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[username]
	return sess, ok
}

// bindSession records sess as the online session for its username, per the
// lock order registry > sessions > session > queue documented in
// SPEC_FULL.md §5.
func (s *Server) bindSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.Username()] = sess
	s.sessionsMu.Unlock()
}

// unbindSession removes sess from the online table, but only if it is still
// the session on file for that username (a newer login may have already
// replaced it).
func (s *Server) unbindSession(sess *Session) {
	username := sess.Username()
	if username == "" {
		return
	}
	s.sessionsMu.Lock()
	if cur, ok := s.sessions[username]; ok && cur == sess {
		delete(s.sessions, username)
	}
	s.sessionsMu.Unlock()
}

// Run listens on cfg.Addr and serves connections until ctx is canceled, then
// shuts down gracefully and returns once every connection has finished.
func (s *Server) Run(ctx context.Context) error {
	ln, err := listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
	go s.sdnotify("READY=1")

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.closing.Load() {
					return
				}
				errCh <- err
				return
			}

			// No free slot: close immediately rather than queuing, per
			// spec.md §4.9. A blocking limiter (e.g. netutil.LimitListener)
			// would instead leave the connection sitting in Accept, which is
			// not what the spec calls for.
			if !s.acquireSlot() {
				s.metrics.connections_rejected_total.listener_limit.Inc()
				conn.Close()
				continue
			}

			s.metrics.connections_accepted_total.Inc()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.releaseSlot()
				s.serveConn(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.closing.Store(true)
	s.log.Info().Msg("shutting down")
	go s.sdnotify("STOPPING=1")

	ln.Close()
	wg.Wait()
	return nil
}

// listen opens a TCP listener on addr with SO_REUSEADDR set explicitly, so a
// restart does not fail to bind while the previous listener's sockets drain
// through TIME_WAIT.
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// sdnotify sends state to the systemd notify socket, if one was configured.
func (s *Server) sdnotify(state string) (bool, error) {
	if s.cfg.NotifySocket == "" {
		return false, nil
	}

	addr := &net.UnixAddr{Name: s.cfg.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

// serveConn runs one connection's read loop until it errors, is closed, or
// ctx is canceled.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	limiter := NewRateLimiter(s.cfg.RateWindow, s.cfg.RateLimit)
	sess, err := NewSession(conn, limiter, s.cfg.QueueSize, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("generate session challenge")
		conn.Close()
		return
	}
	sess.setState(StateUnauth)

	// The challenge is generated before the first receive (spec.md §4.3)
	// and must reach the client before it can produce a valid LOGIN_USER
	// signature, so it is pushed unsolicited as the connection's first
	// frame.
	challengePush := wire.NewPayloadWriter(1 + wire.ChallengeSize).
		U8(wire.LoginOutcomeChallengeIssued).
		Bytes(sess.Challenge[:]).
		Build()
	if err := sess.WriteFrame(wire.LoginResp, challengePush); err != nil {
		conn.Close()
		return
	}

	s.metrics.connections_active.Inc()
	defer func() {
		s.metrics.connections_active.Dec()
		s.teardown(sess)
	}()

	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	for {
		sess.setReadDeadline(idleReadTimeout)
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sess.log.Debug().Err(err).Msg("connection terminated")
			}
			return
		}
		s.metrics.frame_payload_size_bytes.Update(float64(len(frame.Payload)))

		if !limiter.Allow(time.Now()) {
			s.metrics.ratelimit_trips_total.Inc()
			s.sendError(sess, ErrorRateLimit, "")
			return
		}

		if closeAfter := s.dispatch(sess, frame); closeAfter {
			return
		}
	}
}

// teardown unbinds and scrubs a session's state once its connection has
// ended, whatever the reason, per spec.md §4.8's DRAINING→CLOSED edge.
func (s *Server) teardown(sess *Session) {
	sess.setState(StateDraining)
	if username := sess.Username(); username != "" {
		s.unbindSession(sess)
		// Only a session that actually completed LOGIN_USER ever set the
		// user ONLINE, so only that case owes a matching OFFLINE broadcast.
		if sess.everAuthenticated() {
			s.registry.SetStatus(username, StatusOffline)
			s.broadcastStatus(username, StatusOffline)
		}
	}
	sess.Close()
}
