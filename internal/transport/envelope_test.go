package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [AESKeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	s, err := newSealer(key)
	require.NoError(t, err)

	plaintext := []byte("a packet kind byte followed by its body")
	sealed, err := s.seal(plaintext)
	require.NoError(t, err)

	got, err := s.open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsTruncatedEnvelope(t *testing.T) {
	var key [AESKeySize]byte
	s, err := newSealer(key)
	require.NoError(t, err)
	_, err = s.open([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestOpenRejectsPayloadLenMismatch(t *testing.T) {
	var key [AESKeySize]byte
	s, err := newSealer(key)
	require.NoError(t, err)
	sealed, err := s.seal([]byte("hello world"))
	require.NoError(t, err)
	sealed[gcmIVFieldSize+gcmTagSize] ^= 0xFF // corrupt the declared payload_len
	_, err = s.open(sealed)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	var keyA, keyB [AESKeySize]byte
	keyB[0] = 1
	sA, err := newSealer(keyA)
	require.NoError(t, err)
	sB, err := newSealer(keyB)
	require.NoError(t, err)

	sealed, err := sA.seal([]byte("secret"))
	require.NoError(t, err)
	_, err = sB.open(sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [AESKeySize]byte
	s, err := newSealer(key)
	require.NoError(t, err)
	sealed, err := s.seal([]byte("secret message"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF
	_, err = s.open(sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)
}
