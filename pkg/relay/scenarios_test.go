package relay

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// These tests each drive one of the worked end-to-end scenarios from
// spec.md §8 through the real dispatch path over a net.Pipe, rather than
// unit-testing individual handlers in isolation.

func TestScenarioRegisterAndFetchKey(t *testing.T) {
	s := testServer(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	alice, _ := connectAuthedClient(t, s)
	alice.send(wire.RegisterUser, registerPayload("alice", pub))
	reg := alice.recv()
	require.Equal(t, wire.RegisterResp, reg.Type)
	require.Equal(t, uint8(1), reg.Payload[0])

	bob, _ := connectAuthedClient(t, s)
	bob.send(wire.GetPublicKey, wire.NewPayloadWriter(5).LString("alice").Build())
	resp := bob.recv()
	require.Equal(t, wire.PublicKeyResp, resp.Type)
	require.Equal(t, uint8(1), resp.Payload[0])
	require.Equal(t, []byte(pub), resp.Payload[1:1+wire.PublicKeySize])
}

func TestScenarioAuthFailure(t *testing.T) {
	s := testServer(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	reg, _ := connectAuthedClient(t, s)
	reg.send(wire.RegisterUser, registerPayload("alice", pub))
	require.Equal(t, wire.RegisterResp, reg.recv().Type)

	// a new session signs with the wrong key entirely
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c, challenge := connectAuthedClient(t, s)
	sig := ed25519.Sign(wrongPriv, challenge[:])
	c.send(wire.LoginUser, loginPayload("alice", sig))

	resp := c.recv()
	require.Equal(t, wire.LoginResp, resp.Type)
	require.Equal(t, wire.LoginOutcomeFailed, resp.Payload[0])

	// the session stays open: a further frame is still answered, not
	// dropped, confirming no socket teardown happened on auth failure
	c.send(wire.GetPublicKey, wire.NewPayloadWriter(5).LString("alice").Build())
	again := c.recv()
	require.Equal(t, wire.PublicKeyResp, again.Type)
}

func TestScenarioLiveDelivery(t *testing.T) {
	s := testServer(t)

	alice, _ := registerAndLogin(t, s, "alice")
	bob, _ := registerAndLogin(t, s, "bob")

	// alice is already authenticated, so bob's login is announced to her
	// before anything else reaches her connection
	online := alice.recv()
	require.Equal(t, wire.StatusUpdate, online.Type)

	ciphertext := []byte("hello bob")
	payload := wire.NewPayloadWriter(3 + len(ciphertext)).
		LString("bob").
		U16(uint16(len(ciphertext))).
		Bytes(ciphertext).
		Build()
	alice.send(wire.SendMessage, payload)

	incoming := bob.recv()
	require.Equal(t, wire.IncomingMsg, incoming.Type)
	pr := wire.NewPayloadReader(incoming.Payload)
	id := pr.U32()
	sender := pr.LString()
	_ = pr.U32() // timestamp
	mlen := pr.U16()
	body := pr.Bytes(int(mlen))
	require.NoError(t, pr.Err())
	require.Equal(t, "alice", sender)
	require.Equal(t, ciphertext, body)

	ack := alice.recv()
	require.Equal(t, wire.MessageAck, ack.Type)
	apr := wire.NewPayloadReader(ack.Payload)
	require.Equal(t, id, apr.U32())
	require.Equal(t, uint8(DispositionDeliveredLive), apr.U8())
}

func TestScenarioOfflineQueueAndDrain(t *testing.T) {
	s := testServer(t)

	alice, _ := registerAndLogin(t, s, "alice")

	// Bob registers on one connection and does not log in yet; that
	// connection's slot and queue are what Alice's sends land in.
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bob, challenge := connectAuthedClient(t, s)
	bob.send(wire.RegisterUser, registerPayload("bob", bobPub))
	require.Equal(t, uint8(1), bob.recv().Payload[0])

	send := func(ct []byte) uint32 {
		payload := wire.NewPayloadWriter(3 + len(ct)).
			LString("bob").
			U16(uint16(len(ct))).
			Bytes(ct).
			Build()
		alice.send(wire.SendMessage, payload)
		ack := alice.recv()
		require.Equal(t, wire.MessageAck, ack.Type)
		apr := wire.NewPayloadReader(ack.Payload)
		id := apr.U32()
		require.Equal(t, uint8(DispositionQueued), apr.U8())
		return id
	}

	id1 := send([]byte("C1"))
	id2 := send([]byte("C2"))

	sig := ed25519.Sign(bobPriv, challenge[:])
	bob.send(wire.LoginUser, loginPayload("bob", sig))
	loginResp := bob.recv()
	require.Equal(t, wire.LoginOutcomeSuccess, loginResp.Payload[0])

	first := bob.recv()
	require.Equal(t, wire.IncomingMsg, first.Type)
	fpr := wire.NewPayloadReader(first.Payload)
	require.Equal(t, id1, fpr.U32())
	require.Equal(t, "alice", fpr.LString())
	_ = fpr.U32()
	n1 := fpr.U16()
	require.Equal(t, []byte("C1"), fpr.Bytes(int(n1)))

	second := bob.recv()
	require.Equal(t, wire.IncomingMsg, second.Type)
	spr := wire.NewPayloadReader(second.Payload)
	require.Equal(t, id2, spr.U32())
	require.Equal(t, "alice", spr.LString())
	_ = spr.U32()
	n2 := spr.U16()
	require.Equal(t, []byte("C2"), spr.Bytes(int(n2)))
}

func TestScenarioPresence(t *testing.T) {
	s := testServer(t)

	carol, _ := registerAndLogin(t, s, "carol")
	dave, davePriv := registerAndLogin(t, s, "dave")

	online := carol.recv()
	require.Equal(t, wire.StatusUpdate, online.Type)
	opr := wire.NewPayloadReader(online.Payload)
	require.Equal(t, "dave", opr.LString())
	require.Equal(t, uint8(wire.Online), opr.U8())

	dave.send(wire.Logout, nil)

	offline := carol.recv()
	require.Equal(t, wire.StatusUpdate, offline.Type)
	opr2 := wire.NewPayloadReader(offline.Payload)
	require.Equal(t, "dave", opr2.LString())
	require.Equal(t, uint8(wire.Offline), opr2.U8())

	_ = davePriv
}

func TestScenarioRateLimit(t *testing.T) {
	cfg := Config{
		MaxClients: 100,
		QueueSize:  10,
		RateWindow: time.Minute,
		RateLimit:  3,
	}
	s := NewServer(cfg, zerolog.Nop())

	c, priv := registerAndLogin(t, s, "erin")
	_ = priv

	// the rate limiter counts every frame received on this connection,
	// including the LOGIN_USER that already consumed one of the three
	// slots in the window, so only two more requests fit before the trip.
	for i := 0; i < 2; i++ {
		c.send(wire.ListUsers, nil)
		resp := c.recv()
		require.Equal(t, wire.UserListResp, resp.Type)
	}

	c.send(wire.ListUsers, nil)
	errResp := c.recv()
	require.Equal(t, wire.Error, errResp.Type)
	require.Equal(t, uint8(ErrorRateLimit), errResp.Payload[0])

	// the server closes the socket after the rate-limit error: a further
	// read observes EOF rather than another response
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wire.ReadFrame(c.conn)
	require.Error(t, err)
}
