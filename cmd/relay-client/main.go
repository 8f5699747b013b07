// Command relay-client drives the client side of the transport library: it
// dials a relay-server, registers ring buffers for VIDEO/AUDIO/MESSAGE, and
// renders delivered frames with a checksumming stand-in for a real decoder.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"hash/crc32"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowlatency/relay/internal/transport"
)

func main() {
	peerAddr := flag.String("peer", "127.0.0.1:5000", "relay-server UDP address")
	connectTimeout := flag.Duration("connect-timeout", 30*time.Second, "handshake timeout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	maxVideoFrameSize := flag.Int("max-video-frame-size", 64*1024, "largest video frame the ring buffer must reassemble, in bytes")
	maxAudioFrameSize := flag.Int("max-audio-frame-size", 2*1024, "largest audio frame the ring buffer must reassemble, in bytes")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("[relay-client] bad -log-level: %v", err)
	}
	logger := transport.NewLogger(level)

	// In a real deployment the key is exchanged out of band. This demo
	// generates a fresh random key on every start and has no way to take
	// one from outside, so it does not share a key with a separately
	// started relay-server.
	var aesKey [transport.AESKeySize]byte
	if _, err := rand.Read(aesKey[:]); err != nil {
		logger.WithError(err).Fatal("generate AES key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	t, err := transport.Create(transport.Config{
		IsServer:       false,
		PeerAddr:       *peerAddr,
		AESKey:         aesKey,
		ConnectTimeout: *connectTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("create transport")
	}
	defer t.Close()
	logger.WithField("peer", *peerAddr).Info("connected")

	videoSink := newChecksumSink("video")
	audioSink := newChecksumSink("audio")
	t.RegisterRingBuffer(transport.StreamVideo, *maxVideoFrameSize, transport.DefaultRingBufferSize, isLikelyKeyframe)
	t.RegisterRingBuffer(transport.StreamAudio, *maxAudioFrameSize, transport.DefaultRingBufferSize, nil)
	t.RegisterRingBuffer(transport.StreamMessage, 4096, transport.DefaultRingBufferSize, nil)

	go pollFrames(ctx, t, transport.StreamVideo, videoSink, logger)
	go pollFrames(ctx, t, transport.StreamAudio, audioSink, logger)
	go pollCursorMessages(ctx, t, logger)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Poll() {
				logger.Warn("connection lost")
				return
			}
			logger.WithFields(logrus.Fields{
				"video_frames": videoSink.count,
				"audio_frames": audioSink.count,
				"rtt_ms":       t.RTTMilliseconds(),
			}).Info("status")
		}
	}
}

// frameSink is the renderer collaborator's stand-in: it just counts and
// checksums delivered frames rather than decoding and displaying them.
type frameSink struct {
	name     string
	count    uint64
	checksum uint32
}

func newChecksumSink(name string) *frameSink {
	return &frameSink{name: name}
}

func (s *frameSink) consume(f transport.Frame) {
	s.count++
	s.checksum ^= crc32.ChecksumIEEE(f.Bytes)
}

// isLikelyKeyframe is the video RecoveryPredicate: the demo's synthetic
// encoder has no real frame-type tagging, so this stands in for whatever a
// real decoder would use to detect an intra frame — here, just a parity
// check on the first payload byte, enough to exercise the render pointer's
// catch-up scan without depending on codec internals.
func isLikelyKeyframe(f transport.Frame) bool {
	return len(f.Bytes) > 0 && f.Bytes[0]%2 == 0
}

func pollFrames(ctx context.Context, t *transport.Transport, stream transport.StreamKind, sink *frameSink, logger *logrus.Logger) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if reset := t.PendingStreamReset(stream); reset {
			logger.WithField("stream", stream).Warn("stream reset requested by peer")
		}
		for {
			frame, ok := t.NextFrame(stream)
			if !ok {
				break
			}
			sink.consume(frame)
		}
	}
}

func pollCursorMessages(ctx context.Context, t *transport.Transport, logger *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			frame, ok := t.NextFrame(transport.StreamMessage)
			if !ok {
				break
			}
			var cu struct{ X, Y int32 }
			if err := json.Unmarshal(frame.Bytes, &cu); err != nil {
				logger.WithError(err).Debug("malformed cursor update")
				continue
			}
			logger.WithFields(logrus.Fields{"x": cu.X, "y": cu.Y}).Debug("cursor update")
		}
	}
}
