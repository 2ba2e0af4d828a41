package relay

import (
	"time"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// dispatch routes one decoded frame to its handler. It returns true if the
// connection must be closed afterwards (a fatal protocol or rate-limit
// error), false to keep reading.
func (s *Server) dispatch(sess *Session, frame wire.Frame) (closeConn bool) {
	switch frame.Type {
	case wire.RegisterUser:
		s.metrics.frames_received_total.register_user.Inc()
		return s.handleRegister(sess, frame.Payload)
	case wire.LoginUser:
		s.metrics.frames_received_total.login_user.Inc()
		return s.handleLogin(sess, frame.Payload)
	case wire.GetPublicKey:
		s.metrics.frames_received_total.get_public_key.Inc()
		return s.handleGetPublicKey(sess, frame.Payload)
	case wire.SendMessage:
		s.metrics.frames_received_total.send_message.Inc()
		return s.handleSendMessage(sess, frame.Payload)
	case wire.GetMessages:
		s.metrics.frames_received_total.get_messages.Inc()
		return s.handleGetMessages(sess)
	case wire.SetStatus:
		s.metrics.frames_received_total.set_status.Inc()
		return s.handleSetStatus(sess, frame.Payload)
	case wire.ListUsers:
		s.metrics.frames_received_total.list_users.Inc()
		return s.handleListUsers(sess)
	case wire.Logout:
		s.metrics.frames_received_total.logout.Inc()
		return s.handleLogout(sess)
	default:
		s.metrics.frames_received_total.unknown.Inc()
		s.sendError(sess, ErrorInvalidFormat, "unrecognized frame type")
		return false
	}
}

// sendError writes an ERROR frame to sess and records the rejection in
// metrics. ctx, if non-empty, is appended to the code's default message.
func (s *Server) sendError(sess *Session, code ErrorCode, ctx string) {
	s.metrics.rejectCounter(code).Inc()
	msg := code.Message()
	if ctx != "" {
		msg = code.Messagef("%s", ctx)
	}
	payload := wire.NewPayloadWriter(3 + len(msg)).
		U8(uint8(code)).
		U16(uint16(len(msg))).
		Bytes([]byte(msg)).
		Build()
	sess.WriteFrame(wire.Error, payload)
}

// handleRegister implements REGISTER_USER: binds a fresh username to a
// public key. Per spec.md §4.8, REGISTER does not itself authenticate the
// session; only a subsequent LOGIN_USER drives UNAUTH→AUTH. Per spec.md §9,
// REGISTER is also accepted on an already-authenticated session, with no
// defined effect on that session's own identity.
func (s *Server) handleRegister(sess *Session, payload []byte) bool {
	pr := wire.NewPayloadReader(payload)
	username := pr.LString()
	pubkeyRaw := pr.Bytes(wire.PublicKeySize)
	if pr.Err() != nil || !pr.AtEnd() {
		s.sendError(sess, ErrorInvalidFormat, "REGISTER_USER")
		return false
	}

	var pubkey [wire.PublicKeySize]byte
	copy(pubkey[:], pubkeyRaw)

	var code ErrorCode
	ok := false
	switch s.registry.Add(username, pubkey) {
	case AddOK:
		ok = true
		// Claiming the slot here, not only at LOGIN, is what lets a
		// recipient who has registered but not yet logged in still receive
		// and hold queued messages under their own name (spec.md §9). An
		// already-authenticated session keeps its own identity.
		if !sess.IsAuthenticated() {
			sess.claimIdentity(username)
			s.bindSession(sess)
		}
	case AddInvalidUsername:
		code = ErrorInvalidUsername
	case AddExists:
		code = ErrorUserExists
	case AddCapacityExceeded:
		s.metrics.registry_overflow_total.Inc()
		code = ErrorServer
	}

	resp := wire.NewPayloadWriter(2)
	if ok {
		resp.U8(1).U8(0)
	} else {
		resp.U8(0).U8(uint8(code))
	}
	sess.WriteFrame(wire.RegisterResp, resp.Build())
	return false
}

// handleLogin implements LOGIN_USER: verifies a detached signature of this
// session's own accept-time challenge against the registered public key,
// per spec.md §4.3. The challenge is never rotated or re-minted per
// attempt; a client may retry with a fresh signature over the same bytes
// until the rate limit trips.
func (s *Server) handleLogin(sess *Session, payload []byte) bool {
	pr := wire.NewPayloadReader(payload)
	username := pr.LString()
	sigRaw := pr.Bytes(wire.SignatureSize)
	if pr.Err() != nil || !pr.AtEnd() {
		s.sendError(sess, ErrorInvalidFormat, "LOGIN_USER")
		return false
	}

	// Unknown user or verification failure: respond {ok=0} and leave the
	// session unauthenticated but open, per spec.md §4.3. No ERROR frame is
	// sent for this case; the client retries by re-sending LOGIN_USER.
	user, ok := s.registry.Find(username)
	if !ok {
		s.metrics.auth_attempts_total.failure.Inc()
		sess.WriteFrame(wire.LoginResp, wire.NewPayloadWriter(1).U8(wire.LoginOutcomeFailed).Build())
		return false
	}

	var sig [wire.SignatureSize]byte
	copy(sig[:], sigRaw)

	if !verifySignature(user.PublicKey, sess.Challenge, sig) {
		s.metrics.auth_attempts_total.failure.Inc()
		sess.WriteFrame(wire.LoginResp, wire.NewPayloadWriter(1).U8(wire.LoginOutcomeFailed).Build())
		return false
	}

	s.metrics.auth_attempts_total.success.Inc()
	sess.bindIdentity(username)
	s.bindSession(sess)
	s.registry.SetStatus(username, StatusOnline)

	resp := wire.NewPayloadWriter(1 + wire.ChallengeSize).U8(wire.LoginOutcomeSuccess).Bytes(sess.Challenge[:]).Build()
	sess.WriteFrame(wire.LoginResp, resp)

	s.broadcastStatus(username, StatusOnline)
	drainQueue(sess, sess.Queue)
	return false
}

// handleGetPublicKey implements GET_PUBLIC_KEY. The worked example in
// spec.md §8 has an unauthenticated session call this successfully right
// after a peer REGISTERs, so unlike SEND_MESSAGE/SET_STATUS/LIST_USERS/
// GET_MESSAGES it is not auth-gated.
func (s *Server) handleGetPublicKey(sess *Session, payload []byte) bool {
	pr := wire.NewPayloadReader(payload)
	username := pr.LString()
	if pr.Err() != nil || !pr.AtEnd() {
		s.sendError(sess, ErrorInvalidFormat, "GET_PUBLIC_KEY")
		return false
	}

	user, ok := s.registry.Find(username)
	w := wire.NewPayloadWriter(1 + wire.PublicKeySize)
	if !ok {
		w.U8(0)
	} else {
		w.U8(1).Bytes(user.PublicKey[:])
	}
	sess.WriteFrame(wire.PublicKeyResp, w.Build())
	return false
}

// handleSendMessage implements SEND_MESSAGE: live delivery if the recipient
// is online, otherwise a best-effort enqueue into their offline queue.
func (s *Server) handleSendMessage(sess *Session, payload []byte) bool {
	if !sess.IsAuthenticated() {
		s.sendError(sess, ErrorAuthFailed, "SEND_MESSAGE")
		return false
	}

	pr := wire.NewPayloadReader(payload)
	recipient := pr.LString()
	mlen := pr.U16()
	ciphertext := pr.Bytes(int(mlen))
	if pr.Err() != nil || !pr.AtEnd() || len(ciphertext) > wire.MaxFrameLength {
		s.sendError(sess, ErrorInvalidFormat, "SEND_MESSAGE")
		return false
	}

	if _, ok := s.registry.Find(recipient); !ok {
		s.sendError(sess, ErrorUserNotFound, recipient)
		return false
	}

	id := s.nextMessageID.Add(1)
	body := make([]byte, len(ciphertext))
	copy(body, ciphertext)

	msg := StoredMessage{
		MessageID:  id,
		Sender:     sess.Username(),
		Recipient:  recipient,
		Timestamp:  time.Now(),
		Ciphertext: body,
	}

	// Per spec.md §4.4/§9, the backlog belongs to the recipient's live
	// session slot (claimed by REGISTER or LOGIN), not to a server-wide
	// per-username store: if no slot is currently bound to the recipient at
	// all, the message cannot be queued and disposition is reported as
	// failed. A slot claimed but not yet authenticated still holds the
	// queue, but only an authenticated peer gets live delivery.
	disposition := DispositionFailed
	if peer, online := s.sessionFor(recipient); online {
		if peer.IsAuthenticated() && s.deliverLive(peer, msg) {
			disposition = DispositionDeliveredLive
			s.metrics.messages_delivered_live_total.Inc()
		} else if err := peer.Queue.Enqueue(msg); err != nil {
			msg.scrub()
			s.metrics.messages_dropped_queue_full_total.Inc()
		} else {
			disposition = DispositionQueued
			s.metrics.messages_queued_total.Inc()
		}
	} else {
		msg.scrub()
	}

	ack := wire.NewPayloadWriter(5).U32(id).U8(uint8(disposition)).Build()
	sess.WriteFrame(wire.MessageAck, ack)
	return false
}

// deliverLive writes an INCOMING_MESSAGE frame directly to an online
// recipient's session. It reports whether the write succeeded.
func (s *Server) deliverLive(peer *Session, msg StoredMessage) bool {
	payload := wire.NewPayloadWriter(11 + len(msg.Sender) + len(msg.Ciphertext)).
		U32(msg.MessageID).
		LString(msg.Sender).
		U32(uint32(msg.Timestamp.Unix())).
		U16(uint16(len(msg.Ciphertext))).
		Bytes(msg.Ciphertext).
		Build()
	return peer.WriteFrame(wire.IncomingMsg, payload) == nil
}

// handleGetMessages implements GET_MESSAGES: drains this session's own
// offline queue in FIFO order.
func (s *Server) handleGetMessages(sess *Session) bool {
	if !sess.IsAuthenticated() {
		s.sendError(sess, ErrorAuthFailed, "GET_MESSAGES")
		return false
	}
	drainQueue(sess, sess.Queue)
	return false
}

// drainQueue pushes every message queued in q to sess, in FIFO order,
// stopping at the first write failure so undelivered entries stay queued
// for a later attempt, per spec.md §4.5.
func drainQueue(sess *Session, q *Queue) {
	q.Drain(func(msg StoredMessage) error {
		payload := wire.NewPayloadWriter(11+len(msg.Sender)+len(msg.Ciphertext)).
			U32(msg.MessageID).
			LString(msg.Sender).
			U32(uint32(msg.Timestamp.Unix())).
			U16(uint16(len(msg.Ciphertext))).
			Bytes(msg.Ciphertext).
			Build()
		return sess.WriteFrame(wire.IncomingMsg, payload)
	})
}

// handleSetStatus implements SET_STATUS.
func (s *Server) handleSetStatus(sess *Session, payload []byte) bool {
	if !sess.IsAuthenticated() {
		s.sendError(sess, ErrorAuthFailed, "SET_STATUS")
		return false
	}
	pr := wire.NewPayloadReader(payload)
	status := wire.Status(pr.U8())
	if pr.Err() != nil || !pr.AtEnd() || status > wire.Away {
		s.sendError(sess, ErrorInvalidFormat, "SET_STATUS")
		return false
	}

	username := sess.Username()
	s.registry.SetStatus(username, status)
	s.broadcastStatus(username, status)
	return false
}

// handleListUsers implements LIST_USERS.
func (s *Server) handleListUsers(sess *Session) bool {
	if !sess.IsAuthenticated() {
		s.sendError(sess, ErrorAuthFailed, "LIST_USERS")
		return false
	}

	users := s.registry.List()
	w := wire.NewPayloadWriter(2 + len(users)*8).U16(uint16(len(users)))
	for _, u := range users {
		w.LString(u.Username).U8(uint8(u.Status))
	}
	sess.WriteFrame(wire.UserListResp, w.Build())
	return false
}

// handleLogout implements LOGOUT: the peer is told nothing further, the
// connection is simply torn down. The status-offline broadcast itself
// happens once, uniformly, in Server.teardown for every path that ends a
// session (EOF, I/O error, rate limit, or this explicit LOGOUT), matching
// spec.md §4.8's single DRAINING→CLOSED transition.
func (s *Server) handleLogout(sess *Session) bool {
	return true
}
