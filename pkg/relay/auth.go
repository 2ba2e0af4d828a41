package relay

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/chatrelay/chatrelay/pkg/wire"
)

// newChallenge draws a fresh CSPRNG challenge for the login handshake, one
// per connection. It is never rotated or re-minted for the life of the
// session (spec.md §4.3), so a signature captured on one connection cannot
// be replayed against a different one, but a retry on the same connection
// signs the same bytes as any earlier attempt.
func newChallenge() ([wire.ChallengeSize]byte, error) {
	var c [wire.ChallengeSize]byte
	_, err := rand.Read(c[:])
	return c, err
}

// verifySignature checks a detached Ed25519 signature of challenge under
// pubkey. The server never decrypts or inspects message ciphertext; this is
// the only cryptographic verification it performs.
func verifySignature(pubkey [wire.PublicKeySize]byte, challenge [wire.ChallengeSize]byte, sig [wire.SignatureSize]byte) bool {
	return ed25519.Verify(pubkey[:], challenge[:], sig[:])
}
