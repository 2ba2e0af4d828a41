package relay

import (
	"time"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// broadcastWriteTimeout bounds how long a single recipient's write may take
// during a presence fan-out. A peer that stops reading must not be able to
// pin the broadcasting dispatcher (another user's login/logout) forever,
// per spec.md §5.
const broadcastWriteTimeout = 250 * time.Millisecond

// broadcastStatus fans out a STATUS_UPDATE for username to every other
// online session, best-effort: a send failure to one peer never aborts
// delivery to the rest, per spec.md §4.8. Peers are written one after
// another, so a peer that stops reading delays the rest by up to
// broadcastWriteTimeout.
func (s *Server) broadcastStatus(username string, status wire.Status) {
	s.sessionsMu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for peer, sess := range s.sessions {
		// A slot claimed by REGISTER but not yet logged in sits in this same
		// map (see Server.bindSession), so authentication must be checked
		// here too: spec.md §4.6 limits fan-out to authenticated sessions.
		if peer == username || !sess.IsAuthenticated() {
			continue
		}
		targets = append(targets, sess)
	}
	s.sessionsMu.RUnlock()

	payload := wire.NewPayloadWriter(1 + len(username)).
		LString(username).
		U8(uint8(status)).
		Build()

	for _, sess := range targets {
		if err := sess.WriteFrameTimeout(wire.StatusUpdate, payload, broadcastWriteTimeout); err != nil {
			sess.log.Debug().Err(err).Str("username", username).Msg("presence fan-out send failed")
		}
	}
}
