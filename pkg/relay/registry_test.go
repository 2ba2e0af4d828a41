package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

func TestRegistryAddFindRoundTrip(t *testing.T) {
	r := NewUserRegistry(0)

	var pub [wire.PublicKeySize]byte
	pub[0] = 0xAB

	require.Equal(t, AddOK, r.Add("alice", pub))

	u, ok := r.Find("alice")
	require.True(t, ok)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, pub, u.PublicKey)
	require.Equal(t, StatusOffline, u.Status)
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	r := NewUserRegistry(0)

	var k1, k2 [wire.PublicKeySize]byte
	k1[0], k2[0] = 1, 2

	require.Equal(t, AddOK, r.Add("alice", k1))
	require.Equal(t, AddExists, r.Add("alice", k2))

	u, _ := r.Find("alice")
	require.Equal(t, k1, u.PublicKey, "existing public key must never be overwritten")
}

func TestRegistryAddRejectsInvalidUsername(t *testing.T) {
	r := NewUserRegistry(0)
	var pub [wire.PublicKeySize]byte

	cases := []string{"", "has space", "tilde~not~ok", string(make([]byte, 32))}
	for _, name := range cases {
		require.Equal(t, AddInvalidUsername, r.Add(name, pub), "username %q should be rejected", name)
	}
}

func TestRegistryAddEnforcesCapacity(t *testing.T) {
	r := NewUserRegistry(1)
	var pub [wire.PublicKeySize]byte

	require.Equal(t, AddOK, r.Add("alice", pub))
	require.Equal(t, AddCapacityExceeded, r.Add("bob", pub))
}

func TestRegistrySetStatus(t *testing.T) {
	r := NewUserRegistry(0)
	var pub [wire.PublicKeySize]byte
	r.Add("alice", pub)

	r.SetStatus("alice", StatusOnline)
	u, _ := r.Find("alice")
	require.Equal(t, StatusOnline, u.Status)

	// no-op for unregistered usernames
	r.SetStatus("nobody", StatusOnline)
}

func TestRegistryList(t *testing.T) {
	r := NewUserRegistry(0)
	var pub [wire.PublicKeySize]byte
	r.Add("alice", pub)
	r.Add("bob", pub)

	users := r.List()
	require.Len(t, users, 2)
}
