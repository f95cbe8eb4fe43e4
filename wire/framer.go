package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Timeout constants tuned for interactive A/V traffic over lossy links.
const (
	// DefaultSendTimeout bounds a small packet write.
	DefaultSendTimeout = 5 * time.Second
	// DefaultRecvTimeout bounds waiting for the next packet header.
	DefaultRecvTimeout = 30 * time.Second
	// LargePacketThreshold is the payload size above which the write
	// timeout scales with the payload.
	LargePacketThreshold = 100 * 1024
	// WriteCostPerMiB is the extra write budget granted per MiB of
	// payload above the threshold.
	WriteCostPerMiB = 800 * time.Millisecond
	// MinAdaptiveTimeout and MaxAdaptiveTimeout clamp the scaled write
	// timeout for large packets.
	MinAdaptiveTimeout = 10 * time.Second
	MaxAdaptiveTimeout = 60 * time.Second
)

// FramerConfig carries the framer's timeout tuning.
type FramerConfig struct {
	SendTimeout          time.Duration
	RecvTimeout          time.Duration
	LargePacketThreshold int
	WriteCostPerMiB      time.Duration
	MinAdaptiveTimeout   time.Duration
	MaxAdaptiveTimeout   time.Duration
}

// DefaultFramerConfig returns the production timeout tuning.
func DefaultFramerConfig() FramerConfig {
	return FramerConfig{
		SendTimeout:          DefaultSendTimeout,
		RecvTimeout:          DefaultRecvTimeout,
		LargePacketThreshold: LargePacketThreshold,
		WriteCostPerMiB:      WriteCostPerMiB,
		MinAdaptiveTimeout:   MinAdaptiveTimeout,
		MaxAdaptiveTimeout:   MaxAdaptiveTimeout,
	}
}

// Framer frames packets over a single net.Conn. It owns no goroutines;
// the caller's send and receive flows drive it directly. Safe for one
// concurrent sender and one concurrent receiver, matching the
// one-goroutine-per-direction connection model.
type Framer struct {
	conn net.Conn
	cfg  FramerConfig
}

// NewFramer creates a framer with the default timeout tuning.
func NewFramer(conn net.Conn) *Framer {
	return NewFramerWithConfig(conn, DefaultFramerConfig())
}

// NewFramerWithConfig creates a framer with explicit timeout tuning.
func NewFramerWithConfig(conn net.Conn, cfg FramerConfig) *Framer {
	return &Framer{conn: conn, cfg: cfg}
}

// Conn returns the underlying connection.
func (f *Framer) Conn() net.Conn { return f.conn }

// writeTimeout returns the deadline budget for a payload of the given
// size: the base send timeout for small packets, a per-MiB scaled and
// clamped budget above the large-packet threshold.
func (f *Framer) writeTimeout(size int) time.Duration {
	if size <= f.cfg.LargePacketThreshold {
		return f.cfg.SendTimeout
	}
	scaled := f.cfg.SendTimeout + time.Duration(size)*f.cfg.WriteCostPerMiB/(1024*1024)
	if scaled < f.cfg.MinAdaptiveTimeout {
		return f.cfg.MinAdaptiveTimeout
	}
	if scaled > f.cfg.MaxAdaptiveTimeout {
		return f.cfg.MaxAdaptiveTimeout
	}
	return scaled
}

// Send validates, serializes, and writes one packet. Partial writes are
// resumed until the whole packet is out or the deadline expires; a
// deadline expiry surfaces as ErrTimeout.
func (f *Framer) Send(t Type, payload []byte) error {
	buf, err := EncodePacket(t, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(f.writeTimeout(len(payload)))
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	for written := 0; written < len(buf); {
		n, err := f.conn.Write(buf[written:])
		written += n
		if err != nil {
			if isTimeout(err) {
				// A short write before the deadline is transient; only a
				// timeout with the buffer still unfinished is fatal.
				if written < len(buf) {
					return fmt.Errorf("send %s (%d/%d bytes): %w", t, written, len(buf), ErrTimeout)
				}
				break
			}
			return fmt.Errorf("send %s: %w", t, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"packet_type": t.String(),
		"payload_len": len(payload),
	}).Trace("Packet sent")

	return nil
}

// SendPing sends a header-only keepalive probe.
func (f *Framer) SendPing() error { return f.Send(TypePing, nil) }

// SendPong answers a keepalive probe.
func (f *Framer) SendPong() error { return f.Send(TypePong, nil) }

// Receive reads the next packet: header first, size-class validation
// before any payload allocation, then payload and checksum. A clean EOF
// on the first header byte is the peer hanging up at a packet boundary
// and returns ErrPeerClosed; an EOF anywhere later is ErrTruncated.
func (f *Framer) Receive() (*Envelope, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(f.cfg.RecvTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	var hdr [HeaderSize]byte
	n, err := io.ReadFull(f.conn, hdr[:])
	if err != nil {
		switch {
		case n == 0 && errors.Is(err, io.EOF):
			return nil, ErrPeerClosed
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("header after %d bytes: %w", n, ErrTruncated)
		case isTimeout(err):
			return nil, fmt.Errorf("receive header: %w", ErrTimeout)
		default:
			return nil, fmt.Errorf("receive header: %w", err)
		}
	}

	h, err := decodeHeader(hdr[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"error":    err.Error(),
		}).Error("Rejecting packet with invalid header")
		return nil, err
	}

	payload := make([]byte, h.length)
	if h.length > 0 {
		// Large payloads get the same scaled budget as large writes.
		if int(h.length) > f.cfg.LargePacketThreshold {
			if err := f.conn.SetReadDeadline(time.Now().Add(f.writeTimeout(int(h.length)))); err != nil {
				return nil, fmt.Errorf("failed to extend read deadline: %w", err)
			}
		}
		if _, err := io.ReadFull(f.conn, payload); err != nil {
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				return nil, fmt.Errorf("%s payload: %w", h.packetType, ErrTruncated)
			case isTimeout(err):
				return nil, fmt.Errorf("receive %s payload: %w", h.packetType, ErrTimeout)
			default:
				return nil, fmt.Errorf("receive %s payload: %w", h.packetType, err)
			}
		}
	}

	if Checksum(payload) != h.checksum {
		logrus.WithFields(logrus.Fields{
			"function":    "Receive",
			"packet_type": h.packetType.String(),
			"payload_len": h.length,
		}).Error("Payload checksum mismatch, packet corrupted in transit")
		return nil, &ProtocolError{
			Kind:   KindChecksumMismatch,
			Detail: fmt.Sprintf("%s payload failed CRC32 verification", h.packetType),
		}
	}

	return &Envelope{Type: h.packetType, Payload: payload}, nil
}

// isTimeout reports whether an error is a network deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
