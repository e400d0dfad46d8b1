package tou

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

func TestSendWindowRespectsPeerWindow(t *testing.T) {
	w := newSendWindow(100, time.Minute, time.Minute)
	w.SetPeerWindow(10)
	w.Enqueue(make([]byte, 20))

	seg, ok := w.NextOut(0, 4096)
	require.True(t, ok)
	assert.Equal(t, 10, len(seg.Payload))
	assert.Equal(t, uint32(100), seg.Seq)

	// Window is now full: nothing more until an ACK arrives.
	_, ok = w.NextOut(0, 4096)
	assert.False(t, ok)
}

func TestSendWindowOnAckDropsCoveredSegments(t *testing.T) {
	w := newSendWindow(0, time.Minute, time.Minute)
	w.SetPeerWindow(4096)
	w.Enqueue([]byte("hello world"))

	seg, ok := w.NextOut(0, 4096)
	require.True(t, ok)
	require.True(t, w.HasUnacked())

	w.OnAck(seg.Seq + uint32(len(seg.Payload)))
	assert.False(t, w.HasUnacked())

	// A stale/duplicate ack is ignored.
	w.OnAck(1)
	assert.False(t, w.HasUnacked())
}

func TestSendWindowEnqueueControlConsumesOneSequenceNumber(t *testing.T) {
	w := newSendWindow(42, time.Minute, time.Minute)
	fin := w.EnqueueControl(segment.FlagFIN, 0, 4096)
	assert.Equal(t, uint32(42), fin.Seq)
	assert.Equal(t, uint32(43), w.CurrentSeq())
}

func TestSendWindowRetransmitsAfterResendInterval(t *testing.T) {
	w := newSendWindow(0, time.Millisecond, time.Hour)
	w.SetPeerWindow(4096)
	w.Enqueue([]byte("abc"))
	seg, ok := w.NextOut(0, 4096)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	dead, resend := w.checkRetransmit(time.Now(), 0, 4096)
	assert.False(t, dead)
	require.Len(t, resend, 1)
	assert.Equal(t, seg.Payload, resend[0].Payload)
}

func TestSendWindowDeclaresPeerDeadAfterTimeout(t *testing.T) {
	w := newSendWindow(0, time.Hour, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	dead, resend := w.checkRetransmit(time.Now(), 0, 4096)
	assert.True(t, dead)
	assert.Nil(t, resend)
}
