package transport

import (
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lowlatency/relay/internal/transport/network"
)

// newTestPair wires a server and client Transport together over an
// in-process network.FakeConn pair with the given per-direction impairment,
// completing the handshake before returning.
func newTestPair(t *testing.T, clientToServer, serverToClient network.FakeParams) (server, client *Transport) {
	t.Helper()
	serverConn, clientConn := network.NewFakePair("server", "client", serverToClient, clientToServer)

	var key [AESKeySize]byte
	for i := range key {
		key[i] = byte(i * 7)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	serverCh := make(chan *Transport, 1)
	errCh := make(chan error, 2)
	go func() {
		tr, err := Create(Config{
			IsServer:       true,
			Conn:           serverConn,
			AESKey:         key,
			ConnectTimeout: 5 * time.Second,
			Logger:         logger,
		})
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- tr
	}()

	clientTr, err := Create(Config{
		IsServer:       false,
		Conn:           clientConn,
		AESKey:         key,
		ConnectTimeout: 5 * time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)

	select {
	case serverTr := <-serverCh:
		return serverTr, clientTr
	case err := <-errCh:
		t.Fatalf("server handshake failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake never completed")
		return nil, nil
	}
}

func waitForFrame(t *testing.T, tr *Transport, stream StreamKind, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f, ok := tr.NextFrame(stream); ok {
			return f
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a frame on stream %s", stream)
	return Frame{}
}

func TestTransportDeliversFramesOverCleanPath(t *testing.T) {
	server, client := newTestPair(t, network.FakeParams{}, network.FakeParams{})
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	payload := []byte("hello from the server")
	require.NoError(t, server.SendFrame(StreamVideo, payload, 1, true))

	got := waitForFrame(t, client, StreamVideo, time.Second)
	require.Equal(t, payload, got.Bytes)
	require.Equal(t, uint32(1), got.FrameID)
}

func TestTransportRecoversFromIndependentLossViaNack(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	lossy := network.FakeParams{LossProbability: 0.3, Rand: rng}
	server, client := newTestPair(t, network.FakeParams{}, lossy)
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	payload := make([]byte, MaxSegmentSize*3) // several segments, so a lost one triggers a targeted NACK
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, server.SendFrame(StreamVideo, payload, 1, true))

	got := waitForFrame(t, client, StreamVideo, 3*time.Second)
	require.Equal(t, payload, got.Bytes)
}

func TestTransportRecoversFromLossViaFEC(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	lossy := network.FakeParams{LossProbability: 0.1, Rand: rng}
	server, client := newTestPair(t, network.FakeParams{}, lossy)
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	// Force the FEC ratio to its ceiling directly, bypassing the congestion
	// controller's own convergence, so this test isolates FEC recovery from
	// NACK-based retransmission timing (NACK is still there as a backstop
	// if FEC alone can't cover a particular draw).
	server.s.congestionMu.Lock()
	server.s.congestion.currentVideoFECRatio = MaxFECRatio
	server.s.congestionMu.Unlock()

	payload := make([]byte, MaxSegmentSize*4+100)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	require.NoError(t, server.SendFrame(StreamVideo, payload, 1, true))

	got := waitForFrame(t, client, StreamVideo, 3*time.Second)
	require.Equal(t, payload, got.Bytes)
}

func TestTransportDuplicateDeliveryIsIdempotent(t *testing.T) {
	dupParams := network.FakeParams{DuplicateProbability: 1.0}
	server, client := newTestPair(t, network.FakeParams{}, dupParams)
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamAudio, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamAudio, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	payload := []byte("audio frame")
	require.NoError(t, server.SendFrame(StreamAudio, payload, 1, false))

	got := waitForFrame(t, client, StreamAudio, time.Second)
	require.Equal(t, payload, got.Bytes)

	// Only one frame should ever be delivered for frame id 1, even though
	// every segment was duplicated on the wire.
	time.Sleep(50 * time.Millisecond)
	_, ok := client.NextFrame(StreamAudio)
	require.False(t, ok)
}

func TestTransportMessageStreamRejectsMultiSegmentFrames(t *testing.T) {
	server, client := newTestPair(t, network.FakeParams{}, network.FakeParams{})
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamMessage, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamMessage, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	oversized := make([]byte, MaxSegmentSize*2)
	err := server.SendFrame(StreamMessage, oversized, 1, false)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestTransportPendingStreamResetAfterSustainedLoss(t *testing.T) {
	allDropped := network.FakeParams{LossProbability: 1.0}
	server, client := newTestPair(t, network.FakeParams{}, allDropped)
	defer server.Close()
	defer client.Close()

	server.RegisterNackBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize)
	client.RegisterRingBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize, nil)

	for id := uint32(1); id <= ResetThreshold+2; id++ {
		_ = server.SendFrame(StreamVideo, []byte{byte(id)}, id, false)
	}

	// The client's ring buffer is the side that notices the sustained gap
	// and emits STREAM_RESET; the server (sender) is who receives it and
	// is expected to start a fresh recovery-point frame.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.PendingStreamReset(StreamVideo) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the server to have received a stream reset request after sustained loss")
}

func TestTransportPongTimeoutLatchesConnectionLost(t *testing.T) {
	server, client := newTestPair(t, network.FakeParams{}, network.FakeParams{})
	defer client.Close()

	require.True(t, client.Poll())

	// Stop the server from answering any further PINGs: once its
	// goroutines are torn down it can no longer seal/send a PONG, so the
	// client's own pingLoop should notice the silence and latch
	// connection_lost once PongTimeoutMS elapses without one.
	require.NoError(t, server.Close())

	deadline := time.Now().Add(PongTimeoutMS*time.Millisecond + 2*time.Second)
	for time.Now().Before(deadline) {
		if !client.Poll() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected Poll to return false after the peer went silent past PongTimeoutMS")
}

func TestTransportHandshakeRetriesUntilServerStarts(t *testing.T) {
	serverConn, clientConn := network.NewFakePair("server", "client", network.FakeParams{}, network.FakeParams{})

	var key [AESKeySize]byte
	for i := range key {
		key[i] = byte(i * 11)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	clientCh := make(chan *Transport, 1)
	errCh := make(chan error, 1)
	go func() {
		tr, err := Create(Config{
			IsServer:       false,
			Conn:           clientConn,
			AESKey:         key,
			ConnectTimeout: 5 * time.Second,
			Logger:         logger,
		})
		if err != nil {
			errCh <- err
			return
		}
		clientCh <- tr
	}()

	// The client starts retrying CONNECTION_ATTEMPT immediately, well
	// before the server exists to answer it — several retry intervals
	// elapse with nothing on the other end before Create is even called
	// for the server side.
	time.Sleep(10 * ConnectionAttemptIntervalMS * time.Millisecond)

	server, err := Create(Config{
		IsServer:       true,
		Conn:           serverConn,
		AESKey:         key,
		ConnectTimeout: 5 * time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)
	defer server.Close()

	select {
	case client := <-clientCh:
		defer client.Close()
		server.RegisterNackBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize)
		client.RegisterRingBuffer(StreamVideo, MaxSegmentSize*8, DefaultRingBufferSize, nil)

		payload := []byte("late server")
		require.NoError(t, server.SendFrame(StreamVideo, payload, 1, true))
		got := waitForFrame(t, client, StreamVideo, time.Second)
		require.Equal(t, payload, got.Bytes)
	case err := <-errCh:
		t.Fatalf("client handshake failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("client never completed handshake after the server started")
	}
}

func TestTransportRTTMeasuredViaPingPong(t *testing.T) {
	delay := network.FakeParams{Delay: 5 * time.Millisecond}
	server, client := newTestPair(t, delay, delay)
	defer server.Close()
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.RTTMilliseconds() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a non-zero RTT estimate after at least one ping/pong round trip")
}
