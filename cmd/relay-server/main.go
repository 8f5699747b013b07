// Command relay-server drives one side of the transport library end to
// end, standing in for the full remote-desktop application: it opens a UDP
// listener, completes the handshake, and streams synthetic video/audio
// frames to whichever client connects. The capture/encode pipeline is a
// deterministic byte generator rather than a real screen/audio source,
// since that collaborator is out of scope here.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lowlatency/relay/internal/transport"
	"github.com/lowlatency/relay/internal/transport/network"
)

func main() {
	addr := flag.String("addr", ":5000", "UDP listen address")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus /metrics listen address (empty to disable)")
	videoFPS := flag.Int("video-fps", 60, "synthetic video frame rate")
	videoFrameSize := flag.Int("video-frame-size", 32*1024, "synthetic video frame size in bytes")
	audioFPS := flag.Int("audio-fps", 50, "synthetic audio frame rate")
	audioFrameSize := flag.Int("audio-frame-size", 960, "synthetic audio frame size in bytes")
	connectTimeout := flag.Duration("connect-timeout", 30*time.Second, "handshake timeout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	hardCapBPS := flag.Int("hard-cap-bps", 60_000_000, "defense-in-depth socket-wide byte rate ceiling, independent of the congestion controller's own bitrate target")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("[relay-server] bad -log-level: %v", err)
	}
	logger := transport.NewLogger(level)

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

	socket, err := network.ListenUDPConn(*addr)
	if err != nil {
		logger.WithError(err).Fatal("open socket")
	}
	// Defense-in-depth: the Throttler (internal to the transport) paces
	// video against the congestion controller's bitrate target, but a bug
	// in that loop should never let a single socket exceed an operator-set
	// hard ceiling. Burst is sized generously above one max-size segment
	// plus its FEC parity so a legitimate burst never stalls on the limiter.
	limited := network.NewRateLimitedConn(socket, *hardCapBPS, transport.MaxSegmentSize*8)

	t, err := transport.Create(transport.Config{
		IsServer:       true,
		BindAddr:       *addr,
		Conn:           limited,
		AESKey:         aesKey,
		ConnectTimeout: *connectTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("create transport")
	}
	defer t.Close()
	logger.WithField("addr", *addr).Info("client connected")

	// max_frame_size is sized a little above the configured synthetic frame
	// size since the ring/nack buffers must accommodate the largest frame a
	// source will ever hand to SendFrame, not just the common case.
	t.RegisterNackBuffer(transport.StreamVideo, *videoFrameSize*2, transport.DefaultRingBufferSize)
	t.RegisterNackBuffer(transport.StreamAudio, *audioFrameSize*2, transport.DefaultRingBufferSize)
	t.RegisterNackBuffer(transport.StreamMessage, 4096, transport.DefaultRingBufferSize)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(transport.NewMetricsCollector(t, prometheus.Labels{"role": "server"}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics server")
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		logger.WithField("addr", *metricsAddr).Info("metrics listening")
	}

	go runVideoSource(ctx, t, newCountingSource(uint32(*videoFrameSize)), *videoFPS, logger)
	go runAudioSource(ctx, t, newCountingSource(uint32(*audioFrameSize)), *audioFPS, logger)
	go runCursorDemo(ctx, t, logger)

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
			settings := t.CurrentNetworkSettings()
			logger.WithFields(logrus.Fields{
				"bitrate_bps":     settings.BitrateBPS,
				"burst_bps":       settings.BurstBitrateBPS,
				"video_fec_ratio": settings.VideoFECRatio,
				"rtt_ms":          t.RTTMilliseconds(),
			}).Info("status")
		}
	}
}

// countingSource is the synthetic VideoSource/AudioSource stand-in: a
// deterministic repeating byte pattern, sized as configured.
type countingSource struct {
	frameSize uint32
	counter   uint32
}

func newCountingSource(frameSize uint32) *countingSource {
	return &countingSource{frameSize: frameSize}
}

func (c *countingSource) nextFrame() []byte {
	buf := make([]byte, c.frameSize)
	for i := range buf {
		buf[i] = byte(c.counter + uint32(i))
	}
	c.counter++
	return buf
}

func runVideoSource(ctx context.Context, t *transport.Transport, src *countingSource, fps int, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	var frameID uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frameID++
		isRecoveryPoint := frameID%uint32(fps*2) == 1 // a synthetic "keyframe" every 2s
		if err := t.SendFrame(transport.StreamVideo, src.nextFrame(), frameID, isRecoveryPoint); err != nil {
			logger.WithError(err).Warn("send video frame")
		}
	}
}

func runAudioSource(ctx context.Context, t *transport.Transport, src *countingSource, fps int, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	var frameID uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frameID++
		if err := t.SendFrame(transport.StreamAudio, src.nextFrame(), frameID, false); err != nil {
			logger.WithError(err).Warn("send audio frame")
		}
	}
}

// CursorUpdate is a tiny JSON control payload demonstrating that the
// MESSAGE stream carries arbitrary small payloads without segmentation. No
// cursor-rendering logic exists on either end; this purely exercises the
// stream.
type CursorUpdate struct {
	X, Y int32
}

func runCursorDemo(ctx context.Context, t *transport.Transport, logger *logrus.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var frameID uint32
	var x int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frameID++
		x = (x + 5) % 1920
		body, err := json.Marshal(CursorUpdate{X: x, Y: 0})
		if err != nil {
			continue
		}
		if err := t.SendFrame(transport.StreamMessage, body, frameID, false); err != nil {
			logger.WithError(err).Warn("send cursor update")
		}
	}
}
