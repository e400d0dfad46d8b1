package segment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(payload []byte) *Segment {
	return &Segment{
		SrcPort: 41234,
		DstPort: 8080,
		Seq:     100,
		Ack:     501,
		Flags:   FlagACK,
		Window:  4096,
		Payload: payload,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 64} {
		s := sample(make([]byte, n))
		for i := range s.Payload {
			s.Payload[i] = byte(i)
		}
		buf, err := Encode(s)
		require.NoError(t, err)
		assert.Len(t, buf, HeaderSize+n)

		got, err := Decode(buf)
		require.NoError(t, err)
		if diff := cmp.Diff(s, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}

		reEncoded, err := Encode(got)
		require.NoError(t, err)
		assert.Equal(t, buf, reEncoded)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	s := sample(make([]byte, MaxPayloadSize+1))
	_, err := Encode(s)
	assert.Error(t, err)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeInconsistentSize(t *testing.T) {
	s := sample([]byte("hello"))
	buf, err := Encode(s)
	require.NoError(t, err)

	truncated := buf[:len(buf)-1]
	_, err = Decode(truncated)
	assert.ErrorIs(t, err, ErrInconsistentSize)
}

func TestDecodeBadChecksum(t *testing.T) {
	s := sample([]byte("hello world"))
	buf, err := Encode(s)
	require.NoError(t, err)

	// Flip a single payload bit; the checksum must catch it.
	buf[HeaderSize] ^= 0x01
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestChecksumKnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE("123456789") == 0x29B1, a widely published test vector
	// for this exact poly/init combination.
	got := Checksum([]byte("123456789"))
	assert.Equal(t, uint16(0x29B1), got)
}

func TestFlagString(t *testing.T) {
	s := &Segment{Flags: FlagSYN | FlagACK}
	assert.True(t, s.HasFlag(FlagSYN))
	assert.True(t, s.HasFlag(FlagACK))
	assert.False(t, s.HasFlag(FlagFIN))
	assert.Contains(t, s.String(), "SA")
}
