package wire

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/asciichat/asciichat/crypto"
)

// securePair returns two secure framers over an in-memory pipe with
// paired ready sessions.
func securePair(t *testing.T) (*SecureFramer, *SecureFramer) {
	t.Helper()

	client, err := crypto.NewSession()
	if err != nil {
		t.Fatalf("Failed to create client session: %v", err)
	}
	server, err := crypto.NewSession()
	if err != nil {
		t.Fatalf("Failed to create server session: %v", err)
	}
	if err := client.CompleteKeyExchange(server.PublicKey()); err != nil {
		t.Fatalf("Client key exchange failed: %v", err)
	}
	if err := server.CompleteKeyExchange(client.PublicKey()); err != nil {
		t.Fatalf("Server key exchange failed: %v", err)
	}
	if err := client.MarkReady(); err != nil {
		t.Fatalf("Client MarkReady failed: %v", err)
	}
	if err := server.MarkReady(); err != nil {
		t.Fatalf("Server MarkReady failed: %v", err)
	}

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return NewSecureFramer(NewFramer(a), client, true),
		NewSecureFramer(NewFramer(b), server, true)
}

func TestSecureFramerRoundTrip(t *testing.T) {
	sender, receiver := securePair(t)

	tests := []struct {
		name       string
		packetType Type
		payload    []byte
	}{
		{"text message", TypeTextMessage, []byte("secret hello")},
		{"ascii frame", TypeAsciiFrame, bytes.Repeat([]byte{0x2A}, 512)},
		{"ping", TypePing, nil},
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
				t.Errorf("Inner type = %v, want %v", env.Type, tt.packetType)
			}
			if len(tt.payload) > 0 && !bytes.Equal(env.Payload, tt.payload) {
				t.Error("Payload mismatch after secure round trip")
			}
		})
	}
}

func TestSecureFramerWrapsApplicationPackets(t *testing.T) {
	sender, receiver := securePair(t)

	payload := []byte("must not appear on the wire")
	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(TypeTextMessage, payload) }()

	// Observe the raw wire: the packet must be an Encrypted envelope and
	// the plaintext must not be visible in its payload.
	raw, err := receiver.Framer().Receive()
	if err != nil {
		t.Fatalf("Raw receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if raw.Type != TypeEncrypted {
		t.Errorf("Wire type = %v, want encrypted envelope", raw.Type)
	}
	if bytes.Contains(raw.Payload, payload) {
		t.Error("Plaintext visible inside the encrypted envelope")
	}
}

func TestSecureFramerHandshakePlaintext(t *testing.T) {
	sender, receiver := securePair(t)

	payload := make([]byte, 32)
	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(TypeKeyExchangeInit, payload) }()

	// Handshake packets bypass encryption: the raw wire type is the
	// handshake type itself.
	raw, err := receiver.Framer().Receive()
	if err != nil {
		t.Fatalf("Raw receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if raw.Type != TypeKeyExchangeInit {
		t.Errorf("Wire type = %v, want key exchange init in plaintext", raw.Type)
	}
}

func TestSecureFramerRejectsPlaintextDowngrade(t *testing.T) {
	sender, receiver := securePair(t)

	// A plaintext application packet injected on the raw framer must be
	// rejected by the secure receiver, never silently accepted.
	errCh := make(chan error, 1)
	go func() { errCh <- sender.Framer().Send(TypeTextMessage, []byte("downgrade attempt")) }()

	_, err := receiver.Receive()
	if !errors.Is(err, ErrEncryptionRequired) {
		t.Errorf("Receive of plaintext app packet: err = %v, want ErrEncryptionRequired", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Raw send failed: %v", err)
	}
}

func TestSecureFramerRejectsTamperedEnvelope(t *testing.T) {
	sender, receiver := securePair(t)

	inner, err := EncodePacket(TypeTextMessage, []byte("tamper target"))
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	ciphertext, err := sender.Session().Encrypt(inner)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Framer().Send(TypeEncrypted, ciphertext) }()

	_, err = receiver.Receive()
	if !errors.Is(err, crypto.ErrDecryptFailed) {
		t.Errorf("Receive of tampered envelope: err = %v, want ErrDecryptFailed", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Raw send failed: %v", err)
	}
}

func TestSecureFramerPlaintextMode(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// Negotiated no-encryption mode: no session, plaintext flows.
	sender := NewSecureFramer(NewFramer(a), nil, false)
	receiver := NewSecureFramer(NewFramer(b), nil, false)

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(TypeTextMessage, []byte("plaintext mode")) }()

	env, err := receiver.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if env.Type != TypeTextMessage || !bytes.Equal(env.Payload, []byte("plaintext mode")) {
		t.Error("Plaintext mode round trip mismatch")
	}
}
