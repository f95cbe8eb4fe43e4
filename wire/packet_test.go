package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodePacket(t *testing.T) {
	tests := []struct {
		name       string
		packetType Type
		payload    []byte
	}{
		{"ping header only", TypePing, nil},
		{"protocol version", TypeProtocolVersion, make([]byte, 16)},
		{"client join", TypeClientJoin, make([]byte, 40)},
		{"stream start", TypeStreamStart, make([]byte, 4)},
		{"text message", TypeTextMessage, []byte("hello from the other side")},
		{"ascii frame at minimum", TypeAsciiFrame, make([]byte, 24)},
		{"ascii frame large", TypeAsciiFrame, bytes.Repeat([]byte{0xAB}, 1<<20)},
		{"audio", TypeAudio, make([]byte, 2048)},
		{"key exchange", TypeKeyExchangeInit, make([]byte, 128)},
		{"rekey request", TypeRekeyRequest, make([]byte, 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodePacket(tt.packetType, tt.payload)
			if err != nil {
				t.Fatalf("EncodePacket failed: %v", err)
			}
			if len(buf) != HeaderSize+len(tt.payload) {
				t.Errorf("Encoded length = %d, want %d", len(buf), HeaderSize+len(tt.payload))
			}

			env, err := DecodePacket(buf)
			if err != nil {
				t.Fatalf("DecodePacket failed: %v", err)
			}
			if env.Type != tt.packetType {
				t.Errorf("Type = %v, want %v", env.Type, tt.packetType)
			}
			if !bytes.Equal(env.Payload, tt.payload) {
				t.Error("Payload mismatch after round trip")
			}
		})
	}
}

func TestValidatePacketSize(t *testing.T) {
	tests := []struct {
		name       string
		packetType Type
		length     int
		wantKind   ErrorKind
		wantErr    bool
	}{
		{"ping exact", TypePing, 0, 0, false},
		{"ping with payload", TypePing, 1, KindSizeViolation, true},
		{"client join wrong size", TypeClientJoin, 39, KindSizeViolation, true},
		{"frame below minimum", TypeAsciiFrame, 23, KindSizeViolation, true},
		{"frame at minimum", TypeAsciiFrame, 24, 0, false},
		{"audio empty", TypeAudio, 0, KindSizeViolation, true},
		{"audio over maximum", TypeAudio, 2049, KindSizeViolation, true},
		{"text over maximum", TypeTextMessage, 1025, KindSizeViolation, true},
		{"unknown type", Type(999), 0, KindUnknownType, true},
		{"oversize", TypeEncrypted, MaxPacketSize + 1, KindOversize, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePacketSize(tt.packetType, tt.length)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("ValidatePacketSize() unexpected error: %v", err)
				}
				return
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("ValidatePacketSize() err = %v, want ProtocolError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestDecodePacketRejectsCorruption(t *testing.T) {
	payload := []byte("checksummed payload data")
	buf, err := EncodePacket(TypeTextMessage, payload)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}

	t.Run("flipped payload bit", func(t *testing.T) {
		corrupt := make([]byte, len(buf))
		copy(corrupt, buf)
		corrupt[HeaderSize] ^= 0x01

		var pe *ProtocolError
		_, err := DecodePacket(corrupt)
		if !errors.As(err, &pe) || pe.Kind != KindChecksumMismatch {
			t.Errorf("err = %v, want checksum mismatch", err)
		}
	})

	t.Run("flipped checksum bit", func(t *testing.T) {
		corrupt := make([]byte, len(buf))
		copy(corrupt, buf)
		corrupt[10] ^= 0x01

		var pe *ProtocolError
		_, err := DecodePacket(corrupt)
		if !errors.As(err, &pe) || pe.Kind != KindChecksumMismatch {
			t.Errorf("err = %v, want checksum mismatch", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupt := make([]byte, len(buf))
		copy(corrupt, buf)
		binary.BigEndian.PutUint32(corrupt[0:4], 0xCAFEBABE)

		var pe *ProtocolError
		_, err := DecodePacket(corrupt)
		if !errors.As(err, &pe) || pe.Kind != KindBadMagic {
			t.Errorf("err = %v, want bad magic", err)
		}
	})

	t.Run("length payload disagreement", func(t *testing.T) {
		if _, err := DecodePacket(buf[:len(buf)-1]); err == nil {
			t.Error("DecodePacket accepted a short packet")
		}
	})
}

func TestChecksumEmptyPayload(t *testing.T) {
	if Checksum(nil) != 0 {
		t.Error("Checksum(nil) should be 0")
	}
	if Checksum([]byte{}) != 0 {
		t.Error("Checksum of empty slice should be 0")
	}
	if Checksum([]byte{0x01}) == 0 {
		t.Error("Checksum of data should not be 0")
	}
}

func TestIsHandshakeType(t *testing.T) {
	handshake := []Type{
		TypeCryptoCapabilities, TypeCryptoParameters, TypeKeyExchangeInit,
		TypeKeyExchangeResp, TypeAuthChallenge, TypeAuthResponse,
		TypeAuthFailed, TypeServerAuthResp, TypeHandshakeComplete,
		TypeNoEncryption, TypeRekeyRequest, TypeRekeyResponse, TypeRekeyComplete,
	}
	for _, pt := range handshake {
		if !IsHandshakeType(pt) {
			t.Errorf("IsHandshakeType(%v) = false, want true", pt)
		}
	}

	application := []Type{
		TypeProtocolVersion, TypeAsciiFrame, TypeAudio, TypePing,
		TypeEncrypted, TypeTextMessage, TypeAudioBatch,
	}
	for _, pt := range application {
		if IsHandshakeType(pt) {
			t.Errorf("IsHandshakeType(%v) = true, want false", pt)
		}
	}
}
