package relay

import "fmt"

// ErrorCode is a wire-level error code sent in an ERROR frame.
type ErrorCode uint8

const (
	ErrorInvalidUsername      ErrorCode = 0x01
	ErrorUserExists           ErrorCode = 0x02
	ErrorUserNotFound         ErrorCode = 0x03
	ErrorAuthFailed           ErrorCode = 0x04
	ErrorInvalidFormat        ErrorCode = 0x05
	ErrorRateLimit            ErrorCode = 0x06
	ErrorServer               ErrorCode = 0x07
	ErrorConnectionTerminated ErrorCode = 0x08
)

// Message returns the default human-readable text for code n.
func (n ErrorCode) Message() string {
	switch n {
	case ErrorInvalidUsername:
		return "invalid username"
	case ErrorUserExists:
		return "username already registered"
	case ErrorUserNotFound:
		return "user not found"
	case ErrorAuthFailed:
		return "authentication required or failed"
	case ErrorInvalidFormat:
		return "malformed frame"
	case ErrorRateLimit:
		return "rate limit exceeded"
	case ErrorServer:
		return "internal server error"
	case ErrorConnectionTerminated:
		return "connection terminated by server shutdown"
	default:
		return "unknown error"
	}
}

// Messagef appends additional context to Message, separated by ": ".
func (n ErrorCode) Messagef(format string, a ...interface{}) string {
	if format == "" {
		return n.Message()
	}
	return n.Message() + ": " + fmt.Sprintf(format, a...)
}
