package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a protocol violation.
type ErrorKind int

const (
	// KindBadMagic means the header did not start with the magic value.
	KindBadMagic ErrorKind = iota
	// KindUnknownType means the header carried an unrecognized packet type.
	KindUnknownType
	// KindSizeViolation means the declared length is outside the type's
	// size class.
	KindSizeViolation
	// KindChecksumMismatch means the payload failed CRC verification.
	KindChecksumMismatch
	// KindOversize means the declared length exceeds MaxPacketSize.
	KindOversize
)

// String returns a human-readable kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindBadMagic:
		return "bad magic"
	case KindUnknownType:
		return "unknown packet type"
	case KindSizeViolation:
		return "size violation"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindOversize:
		return "oversize packet"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolError is a structured framing violation. Any ProtocolError on
// a connection is unrecoverable; the stream can no longer be trusted to
// be in sync and the connection must be torn down.
type ProtocolError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %s", e.Kind, e.Detail)
}

var (
	// ErrTimeout indicates a deadline expired. Distinct from hard I/O
	// errors; callers match it with errors.Is.
	ErrTimeout = errors.New("operation timed out")
	// ErrPeerClosed indicates the peer closed the connection cleanly at a
	// packet boundary. A non-error end-of-stream condition.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrTruncated indicates the stream ended mid-header or mid-payload.
	ErrTruncated = errors.New("truncated packet")
	// ErrEncryptionRequired indicates a plaintext non-handshake packet
	// arrived while encryption is mandatory. Rejecting it prevents a
	// silent downgrade.
	ErrEncryptionRequired = errors.New("plaintext packet rejected: encryption required")
	// ErrSessionNotReady indicates a secure send/receive before the
	// handshake produced a ready session.
	ErrSessionNotReady = errors.New("secure framer has no ready session")
)
