package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDrainFIFOOrder(t *testing.T) {
	q := NewQueue(10)

	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 1, Ciphertext: []byte("c1")}))
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 2, Ciphertext: []byte("c2")}))

	var got []uint32
	err := q.Drain(func(msg StoredMessage) error {
		got = append(got, msg.MessageID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, got)
	require.Equal(t, 0, q.Len())
}

func TestQueueEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 1}))
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 2}))
	require.ErrorIs(t, q.Enqueue(StoredMessage{MessageID: 3}), ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestQueueDrainStopsAtFirstFailure(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 1}))
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 2}))

	boom := errors.New("write failed")
	var delivered []uint32
	err := q.Drain(func(msg StoredMessage) error {
		delivered = append(delivered, msg.MessageID)
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, []uint32{1}, delivered)
	require.Equal(t, 2, q.Len(), "undelivered entries remain queued for a later attempt")
}

func TestQueueClearScrubsCiphertext(t *testing.T) {
	q := NewQueue(2)
	ct := []byte("secret")
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 1, Ciphertext: ct}))

	q.Clear()
	require.Equal(t, 0, q.Len())
	require.True(t, allZero(ct), "ciphertext buffer must be scrubbed, not just dereferenced")
}

func TestQueueDrainScrubsDeliveredCiphertext(t *testing.T) {
	q := NewQueue(2)
	ct := []byte("secret")
	require.NoError(t, q.Enqueue(StoredMessage{MessageID: 1, Ciphertext: ct}))

	require.NoError(t, q.Drain(func(StoredMessage) error { return nil }))
	require.True(t, allZero(ct))
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
