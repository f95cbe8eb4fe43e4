package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Framing constants.
const (
	// MagicValue marks the start of every packet header.
	MagicValue = 0xDEADBEEF
	// HeaderSize is the fixed wire header size:
	// magic:u32 | type:u16 | length:u32 | checksum:u32 | reserved:u32.
	HeaderSize = 18
	// MaxPacketSize bounds a single packet payload (5 MiB).
	MaxPacketSize = 5 * 1024 * 1024
)

// Type identifies the kind of an ascii-chat packet.
type Type uint16

const (
	TypeProtocolVersion    Type = 1
	TypeAsciiFrame         Type = 2
	TypeImageFrame         Type = 3
	TypeAudio              Type = 4
	TypeClientCapabilities Type = 5
	TypePing               Type = 6
	TypePong               Type = 7
	TypeClientJoin         Type = 8
	TypeClientLeave        Type = 9
	TypeStreamStart        Type = 10
	TypeStreamStop         Type = 11
	TypeClearConsole       Type = 12
	TypeServerState        Type = 13

	// Crypto handshake packet types. These are always sent in plaintext;
	// the handshake establishes the keys everything else is wrapped in.
	TypeCryptoCapabilities Type = 14
	TypeCryptoParameters   Type = 15
	TypeKeyExchangeInit    Type = 16
	TypeKeyExchangeResp    Type = 17
	TypeAuthChallenge      Type = 18
	TypeAuthResponse       Type = 19
	TypeAuthFailed         Type = 20
	TypeServerAuthResp     Type = 21
	TypeHandshakeComplete  Type = 22
	TypeNoEncryption       Type = 23

	// TypeEncrypted is the envelope carrying an encrypted inner packet
	// (inner header plus payload, sealed as a unit).
	TypeEncrypted Type = 24

	TypeAudioBatch   Type = 25
	TypeSizeMessage  Type = 26
	TypeAudioMessage Type = 27
	TypeTextMessage  Type = 28

	// Rekey packet types. Plaintext, like the initial key exchange; the
	// proof of possession rides in the RekeyComplete payload.
	TypeRekeyRequest  Type = 29
	TypeRekeyResponse Type = 30
	TypeRekeyComplete Type = 31
)

// String returns a human-readable packet type name.
func (t Type) String() string {
	if c, ok := sizeClasses[t]; ok {
		return c.name
	}
	return fmt.Sprintf("unknown(%d)", uint16(t))
}

// Envelope is a received packet. Payload ownership passes to the caller;
// it is a fresh allocation per receive.
type Envelope struct {
	Type    Type
	Payload []byte
}

// sizeClass is the per-type payload size constraint, checked before the
// checksum so malformed lengths are rejected before any payload work.
type sizeClass struct {
	name  string
	exact int // exact payload size; -1 when ranged
	min   int
	max   int
}

const noExact = -1

var sizeClasses = map[Type]sizeClass{
	TypeProtocolVersion:    {"protocol_version", 16, 0, 0},
	TypeAsciiFrame:         {"ascii_frame", noExact, 24, MaxPacketSize},
	TypeImageFrame:         {"image_frame", noExact, 24, MaxPacketSize},
	TypeAudio:              {"audio", noExact, 1, 2048},
	TypeClientCapabilities: {"client_capabilities", noExact, 0, 1024},
	TypePing:               {"ping", 0, 0, 0},
	TypePong:               {"pong", 0, 0, 0},
	TypeClientJoin:         {"client_join", 40, 0, 0},
	TypeClientLeave:        {"client_leave", noExact, 0, 256},
	TypeStreamStart:        {"stream_start", 4, 0, 0},
	TypeStreamStop:         {"stream_stop", 4, 0, 0},
	TypeClearConsole:       {"clear_console", 0, 0, 0},
	TypeServerState:        {"server_state", noExact, 0, 1024},
	TypeCryptoCapabilities: {"crypto_capabilities", noExact, 0, 64 * 1024},
	TypeCryptoParameters:   {"crypto_parameters", noExact, 0, 64 * 1024},
	TypeKeyExchangeInit:    {"key_exchange_init", noExact, 0, 64 * 1024},
	TypeKeyExchangeResp:    {"key_exchange_resp", noExact, 0, 64 * 1024},
	TypeAuthChallenge:      {"auth_challenge", noExact, 0, 64 * 1024},
	TypeAuthResponse:       {"auth_response", noExact, 0, 64 * 1024},
	TypeAuthFailed:         {"auth_failed", noExact, 0, 64 * 1024},
	TypeServerAuthResp:     {"server_auth_resp", noExact, 0, 64 * 1024},
	TypeHandshakeComplete:  {"handshake_complete", noExact, 0, 64 * 1024},
	TypeNoEncryption:       {"no_encryption", noExact, 0, 64 * 1024},
	TypeEncrypted:          {"encrypted", noExact, 0, MaxPacketSize},
	TypeAudioBatch:         {"audio_batch", noExact, 20, MaxPacketSize},
	TypeSizeMessage:        {"size_message", noExact, 1, 32},
	TypeAudioMessage:       {"audio_message", noExact, 1, 32},
	TypeTextMessage:        {"text_message", noExact, 0, 1024},
	TypeRekeyRequest:       {"rekey_request", noExact, 0, 64 * 1024},
	TypeRekeyResponse:      {"rekey_response", noExact, 0, 64 * 1024},
	TypeRekeyComplete:      {"rekey_complete", noExact, 0, 64 * 1024},
}

// ValidatePacketSize checks a payload length against the type's size
// class. Unknown types and out-of-class lengths yield a ProtocolError.
func ValidatePacketSize(t Type, length int) error {
	if length > MaxPacketSize {
		return &ProtocolError{
			Kind:   KindOversize,
			Detail: fmt.Sprintf("payload %d exceeds maximum %d", length, MaxPacketSize),
		}
	}

	c, ok := sizeClasses[t]
	if !ok {
		return &ProtocolError{
			Kind:   KindUnknownType,
			Detail: fmt.Sprintf("packet type %d", uint16(t)),
		}
	}

	if c.exact != noExact {
		if length != c.exact {
			return &ProtocolError{
				Kind:   KindSizeViolation,
				Detail: fmt.Sprintf("%s payload %d bytes, requires exactly %d", c.name, length, c.exact),
			}
		}
		return nil
	}
	if length < c.min || length > c.max {
		return &ProtocolError{
			Kind:   KindSizeViolation,
			Detail: fmt.Sprintf("%s payload %d bytes, allowed range [%d, %d]", c.name, length, c.min, c.max),
		}
	}
	return nil
}

// Checksum computes the CRC32 (IEEE) payload checksum. Empty payloads
// checksum to zero.
func Checksum(payload []byte) uint32 {
	if len(payload) == 0 {
		return 0
	}
	return crc32.ChecksumIEEE(payload)
}

// EncodePacket serializes a complete packet (header plus payload) after
// validating the payload against the type's size class.
func EncodePacket(t Type, payload []byte) ([]byte, error) {
	if err := ValidatePacketSize(t, len(payload)); err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], MagicValue)
	binary.BigEndian.PutUint16(buf[4:6], uint16(t))
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[10:14], Checksum(payload))
	binary.BigEndian.PutUint32(buf[14:18], 0) // reserved, always zero
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// header is a decoded wire header, not yet checked against its payload.
type header struct {
	packetType Type
	length     uint32
	checksum   uint32
}

// decodeHeader parses and validates a wire header: magic, then size
// class (before the payload is ever read), in that order. The reserved
// field is ignored on receive for forward compatibility.
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrTruncated
	}

	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != MagicValue {
		return header{}, &ProtocolError{
			Kind:   KindBadMagic,
			Detail: fmt.Sprintf("got 0x%08X, want 0x%08X", magic, uint32(MagicValue)),
		}
	}

	h := header{
		packetType: Type(binary.BigEndian.Uint16(buf[4:6])),
		length:     binary.BigEndian.Uint32(buf[6:10]),
		checksum:   binary.BigEndian.Uint32(buf[10:14]),
	}

	if err := ValidatePacketSize(h.packetType, int(h.length)); err != nil {
		return header{}, err
	}
	return h, nil
}

// DecodePacket parses a complete serialized packet, validating the
// header, the size class, and the payload checksum. Used for the inner
// packet of an encrypted envelope.
func DecodePacket(buf []byte) (*Envelope, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) != HeaderSize+int(h.length) {
		return nil, &ProtocolError{
			Kind:   KindSizeViolation,
			Detail: fmt.Sprintf("packet %d bytes, header declares %d payload bytes", len(buf), h.length),
		}
	}

	payload := make([]byte, h.length)
	copy(payload, buf[HeaderSize:])

	if Checksum(payload) != h.checksum {
		return nil, &ProtocolError{
			Kind:   KindChecksumMismatch,
			Detail: fmt.Sprintf("%s payload failed CRC32 verification", h.packetType),
		}
	}

	return &Envelope{Type: h.packetType, Payload: payload}, nil
}

// IsHandshakeType reports whether a packet type belongs to the crypto
// handshake or rekey exchange. These always travel in plaintext.
func IsHandshakeType(t Type) bool {
	return (t >= TypeCryptoCapabilities && t <= TypeNoEncryption) ||
		(t >= TypeRekeyRequest && t <= TypeRekeyComplete)
}
