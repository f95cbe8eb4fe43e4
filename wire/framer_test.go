package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// framerPair returns two framers over an in-memory pipe.
func framerPair(t *testing.T) (*Framer, *Framer) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewFramer(a), NewFramer(b)
}

func TestFramerRoundTrip(t *testing.T) {
	sender, receiver := framerPair(t)

	tests := []struct {
		name       string
		packetType Type
		payload    []byte
	}{
		{"ping", TypePing, nil},
		{"text", TypeTextMessage, []byte("framed hello")},
		{"frame", TypeAsciiFrame, bytes.Repeat([]byte{0x7E}, 4096)},
		{"key exchange", TypeKeyExchangeInit, make([]byte, 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errCh := make(chan error, 1)
			go func() { errCh <- sender.Send(tt.packetType, tt.payload) }()

			env, err := receiver.Receive()
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			if env.Type != tt.packetType {
				t.Errorf("Type = %v, want %v", env.Type, tt.packetType)
			}
			if len(tt.payload) == 0 {
				if len(env.Payload) != 0 {
					t.Errorf("Payload = %d bytes, want empty", len(env.Payload))
				}
			} else if !bytes.Equal(env.Payload, tt.payload) {
				t.Error("Payload mismatch after framing round trip")
			}
		})
	}
}

func TestFramerRejectsCorruptedStream(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	receiver := NewFramer(b)

	buf, err := EncodePacket(TypeTextMessage, []byte("will be corrupted"))
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	buf[HeaderSize+3] ^= 0x40 // single bit flip in the payload

	go func() {
		a.Write(buf)
	}()

	var pe *ProtocolError
	_, err = receiver.Receive()
	if !errors.As(err, &pe) || pe.Kind != KindChecksumMismatch {
		t.Errorf("Receive of corrupted packet: err = %v, want checksum mismatch", err)
	}
}

func TestFramerRejectsMaliciousLength(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	receiver := NewFramer(b)

	// Header claims MaxPacketSize+1 bytes; the receiver must reject it
	// from the header alone, before attempting any payload read.
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], MagicValue)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(TypeEncrypted))
	binary.BigEndian.PutUint32(hdr[6:10], MaxPacketSize+1)

	go func() {
		a.Write(hdr[:])
	}()

	var pe *ProtocolError
	_, err := receiver.Receive()
	if !errors.As(err, &pe) || pe.Kind != KindOversize {
		t.Errorf("Receive of oversize header: err = %v, want oversize protocol error", err)
	}
}

func TestFramerPeerClosedVersusTruncated(t *testing.T) {
	t.Run("clean close at packet boundary", func(t *testing.T) {
		a, b := net.Pipe()
		t.Cleanup(func() { b.Close() })
		receiver := NewFramer(b)

		go a.Close()

		if _, err := receiver.Receive(); !errors.Is(err, ErrPeerClosed) {
			t.Errorf("Receive after clean close: err = %v, want ErrPeerClosed", err)
		}
	})

	t.Run("close mid-header", func(t *testing.T) {
		a, b := net.Pipe()
		t.Cleanup(func() { b.Close() })
		receiver := NewFramer(b)

		go func() {
			a.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00})
			a.Close()
		}()

		if _, err := receiver.Receive(); !errors.Is(err, ErrTruncated) {
			t.Errorf("Receive of partial header: err = %v, want ErrTruncated", err)
		}
	})

	t.Run("close mid-payload", func(t *testing.T) {
		a, b := net.Pipe()
		t.Cleanup(func() { b.Close() })
		receiver := NewFramer(b)

		buf, err := EncodePacket(TypeTextMessage, []byte("this payload will be cut short"))
		if err != nil {
			t.Fatalf("EncodePacket failed: %v", err)
		}
		go func() {
			a.Write(buf[:HeaderSize+5])
			a.Close()
		}()

		if _, err := receiver.Receive(); !errors.Is(err, ErrTruncated) {
			t.Errorf("Receive of truncated payload: err = %v, want ErrTruncated", err)
		}
	})
}

func TestFramerReceiveTimeout(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	cfg := DefaultFramerConfig()
	cfg.RecvTimeout = 50 * time.Millisecond
	receiver := NewFramerWithConfig(b, cfg)

	// Nothing ever arrives; the receive must time out, not hang.
	if _, err := receiver.Receive(); !errors.Is(err, ErrTimeout) {
		t.Errorf("Receive with silent peer: err = %v, want ErrTimeout", err)
	}
}

func TestFramerSendRejectsInvalidSize(t *testing.T) {
	sender, _ := framerPair(t)

	// Rejected locally before any bytes hit the wire.
	if err := sender.Send(TypePing, []byte{0x01}); err == nil {
		t.Error("Send of ping with payload should fail")
	}
	if err := sender.Send(Type(999), nil); err == nil {
		t.Error("Send of unknown type should fail")
	}
}

func TestWriteTimeoutScaling(t *testing.T) {
	f := NewFramer(nil)

	tests := []struct {
		name string
		size int
		want time.Duration
	}{
		{"small packet", 1024, DefaultSendTimeout},
		{"at threshold", LargePacketThreshold, DefaultSendTimeout},
		{"just above threshold clamps up", LargePacketThreshold + 1, MinAdaptiveTimeout},
		{"huge packet clamps down", 200 * 1024 * 1024, MaxAdaptiveTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.writeTimeout(tt.size); got != tt.want {
				t.Errorf("writeTimeout(%d) = %v, want %v", tt.size, got, tt.want)
			}
		})
	}
}
