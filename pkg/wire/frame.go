// Package wire implements the length-prefixed binary frame protocol used
// between chat clients and the relay.
//
// Every frame on the wire is:
//
//	length(u32 BE) ‖ type(u8) ‖ payload[length]
//
// length counts payload bytes only. Scalars inside payloads are
// big-endian. Strings are length-prefixed with a single u8.
package wire

// Type identifies a frame's payload layout and direction.
type Type uint8

const (
	RegisterUser  Type = 0x01 // C->S: u8 ulen, username, pubkey[32]
	LoginUser     Type = 0x02 // C->S: u8 ulen, username, signature[64]
	GetPublicKey  Type = 0x03 // C->S: u8 ulen, username
	SendMessage   Type = 0x04 // C->S: u8 rlen, recipient, u16 mlen, ciphertext
	GetMessages   Type = 0x05 // C->S: empty
	SetStatus     Type = 0x06 // C->S: u8 status
	ListUsers     Type = 0x07 // C->S: empty
	Logout        Type = 0x08 // C->S: empty
	RegisterResp  Type = 0x81 // S->C: u8 ok, u8 errcode
	LoginResp     Type = 0x82 // S->C: u8 ok (2=challenge issued, 1=success, 0=failure), challenge[32] when ok!=0
	PublicKeyResp Type = 0x83 // S->C: u8 found, [pubkey[32]]
	MessageAck    Type = 0x84 // S->C: u32 message_id, u8 disposition
	IncomingMsg   Type = 0x85 // S->C: u32 id, u8 slen, sender, u32 ts, u16 mlen, ciphertext
	UserListResp  Type = 0x86 // S->C: u16 n, n * (u8 ulen, username, u8 status)
	StatusUpdate  Type = 0x87 // S->C: u8 ulen, username, u8 status
	Error         Type = 0x88 // S->C: u8 code, u16 mlen, message
)

func (t Type) String() string {
	switch t {
	case RegisterUser:
		return "REGISTER_USER"
	case LoginUser:
		return "LOGIN_USER"
	case GetPublicKey:
		return "GET_PUBLIC_KEY"
	case SendMessage:
		return "SEND_MESSAGE"
	case GetMessages:
		return "GET_MESSAGES"
	case SetStatus:
		return "SET_STATUS"
	case ListUsers:
		return "LIST_USERS"
	case Logout:
		return "LOGOUT"
	case RegisterResp:
		return "REGISTER_RESPONSE"
	case LoginResp:
		return "LOGIN_RESPONSE"
	case PublicKeyResp:
		return "PUBLIC_KEY_RESPONSE"
	case MessageAck:
		return "MESSAGE_ACK"
	case IncomingMsg:
		return "INCOMING_MESSAGE"
	case UserListResp:
		return "USER_LIST_RESPONSE"
	case StatusUpdate:
		return "STATUS_UPDATE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is a user's presence state, as carried on the wire.
type Status uint8

const (
	Offline Status = 0
	Online  Status = 1
	Away    Status = 2
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Online:
		return "ONLINE"
	case Away:
		return "AWAY"
	default:
		return "UNKNOWN"
	}
}

// Disposition is the single-byte outcome carried in a MESSAGE_ACK frame.
type Disposition uint8

const (
	DispositionFailed        Disposition = 0
	DispositionDeliveredLive Disposition = 1
	DispositionQueued        Disposition = 2
)

// LOGIN_RESPONSE's leading byte carries one of three outcomes: a
// server-initiated challenge push sent immediately after accept (since the
// session's challenge must reach the client before it can produce a
// signature over it), then later either a login failure or success.
const (
	LoginOutcomeFailed          uint8 = 0
	LoginOutcomeSuccess         uint8 = 1
	LoginOutcomeChallengeIssued uint8 = 2
)

const (
	// MaxPlaintext bounds the largest cleartext message a client may seal;
	// it is not itself sent on the wire.
	MaxPlaintext = 1024
	// MaxFrameLength is the largest accepted frame payload length, and also
	// the largest accepted sealed ciphertext: a sealed box adds overhead to
	// its plaintext, so the ciphertext bound must exceed MaxPlaintext.
	MaxFrameLength = 2 * MaxPlaintext
	// MaxUsernameLength is the largest accepted username length, in bytes.
	MaxUsernameLength = 31
	// PublicKeySize is the size, in bytes, of an Ed25519 public key.
	PublicKeySize = 32
	// SignatureSize is the size, in bytes, of an Ed25519 detached signature.
	SignatureSize = 64
	// ChallengeSize is the size, in bytes, of a per-session login challenge.
	ChallengeSize = 32
	// HeaderSize is the size, in bytes, of the length+type frame header.
	HeaderSize = 5
)

// Frame is a decoded wire frame.
type Frame struct {
	Type    Type
	Payload []byte
}
