package transport

import (
	"fmt"
	"time"

	"github.com/lowlatency/relay/internal/transport/network"
)

// handshake implements the following: The server loops reading any sender until
// a decrypted CONNECTION_ATTEMPT arrives within cfg.ConnectTimeout, binds
// that peer, and fires NumConfirmationMessages copies of
// CONNECTION_CONFIRMATION. The client repeats CONNECTION_ATTEMPT every
// ConnectionAttemptIntervalMS until a CONNECTION_CONFIRMATION arrives or the
// budget elapses.
func handshake(conn network.Conn, sealer *sealer, cfg Config) error {
	deadline := time.Now().Add(cfg.ConnectTimeout)
	if cfg.IsServer {
		return serverHandshake(conn, sealer, deadline)
	}
	return clientHandshake(conn, sealer, deadline)
}

func serverHandshake(conn network.Conn, sealer *sealer, deadline time.Time) error {
	buf := make([]byte, MaxSegmentSize*2)
	for {
		if time.Now().After(deadline) {
			return ErrHandshakeTimeout
		}
		conn.SetReadDeadline(minTime(deadline, time.Now().Add(RecvTimeoutDefault)))
		n, from, err := conn.ReadFromAny(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("transport: handshake read: %w", err)
		}
		plaintext, err := sealer.open(buf[:n])
		if err != nil {
			continue // stray/corrupt datagram; keep waiting
		}
		if len(plaintext) == 0 || PacketKind(plaintext[0]) != KindConnectionAttempt {
			continue
		}
		conn.BindPeer(from)

		confirmBody := sealBody(KindConnectionConfirmation, nil)
		envelope, err := sealer.seal(confirmBody)
		if err != nil {
			return fmt.Errorf("transport: seal confirmation: %w", err)
		}
		for i := 0; i < NumConfirmationMessages; i++ {
			if _, err := conn.WriteTo(envelope); err != nil {
				return fmt.Errorf("transport: send confirmation: %w", err)
			}
		}
		return nil
	}
}

func clientHandshake(conn network.Conn, sealer *sealer, deadline time.Time) error {
	attemptBody := sealBody(KindConnectionAttempt, nil)
	envelope, err := sealer.seal(attemptBody)
	if err != nil {
		return fmt.Errorf("transport: seal attempt: %w", err)
	}

	buf := make([]byte, MaxSegmentSize*2)
	ticker := time.NewTicker(ConnectionAttemptIntervalMS * time.Millisecond)
	defer ticker.Stop()

	if _, err := conn.WriteTo(envelope); err != nil {
		return fmt.Errorf("transport: send attempt: %w", err)
	}

	for {
		if time.Now().After(deadline) {
			return ErrHandshakeTimeout
		}
		conn.SetReadDeadline(minTime(deadline, time.Now().Add(ConnectionAttemptIntervalMS*time.Millisecond)))
		n, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				select {
				case <-ticker.C:
					if _, werr := conn.WriteTo(envelope); werr != nil {
						return fmt.Errorf("transport: send attempt: %w", werr)
					}
				default:
				}
				continue
			}
			return fmt.Errorf("transport: handshake read: %w", err)
		}
		plaintext, err := sealer.open(buf[:n])
		if err != nil {
			continue
		}
		if len(plaintext) == 0 || PacketKind(plaintext[0]) != KindConnectionConfirmation {
			continue
		}
		return nil
	}
}

// sealBody concatenates a packet kind tag with its marshaled body.
func sealBody(kind PacketKind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
