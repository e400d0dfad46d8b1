package tou

import (
	"sync"
	"time"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

// pendingSegment is one outstanding, unacknowledged segment sitting in
// the send window.
type pendingSegment struct {
	seq     uint32
	length  uint32 // sequence space consumed: len(payload), or 1 for a bare SYN/FIN
	flags   uint16
	payload []byte
	sentAt  time.Time
	retries int
}

// sendWindow is the sliding-window sender: it holds the queue of
// unacknowledged segments, advances on cumulative ACK, and drives the
// single retransmission timer for a connection.
type sendWindow struct {
	mu sync.Mutex

	base    uint32 // oldest unacknowledged sequence number
	nextSeq uint32 // sequence number to assign to the next new segment

	queue      []*pendingSegment
	peerWindow uint32 // peer's last-advertised free receive space, in bytes
	unsent     []byte // application bytes not yet sliced into segments

	resendInterval time.Duration
	timeout        time.Duration

	lastPeerActivity time.Time
}

func newSendWindow(isn uint32, resendInterval, timeout time.Duration) *sendWindow {
	return &sendWindow{
		base:             isn,
		nextSeq:          isn,
		resendInterval:   resendInterval,
		timeout:          timeout,
		lastPeerActivity: time.Now(),
	}
}

// bytesInFlight returns the number of sequence-space bytes currently
// occupying the peer's receive window. Must be called with mu held.
func (w *sendWindow) bytesInFlight() uint32 {
	return w.nextSeq - w.base
}

// Enqueue appends application bytes to the unsent queue. Send on a
// Connection is just this; the worker slices the bytes into segments
// on its next tick.
func (w *sendWindow) Enqueue(data []byte) {
	w.mu.Lock()
	w.unsent = append(w.unsent, data...)
	w.mu.Unlock()
}

// HasUnsentBytes reports whether there is still application data
// waiting to be sliced into segments.
func (w *sendWindow) HasUnsentBytes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unsent) > 0
}

// HasUnacked reports whether any segment is still awaiting ACK.
func (w *sendWindow) HasUnacked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0
}

// SetPeerWindow records the peer's latest advertised receive window.
func (w *sendWindow) SetPeerWindow(sz uint16) {
	w.mu.Lock()
	w.peerWindow = uint32(sz)
	w.mu.Unlock()
}

// NextOut slices up to MaxPayloadSize bytes off the unsent queue, and
// no more than the peer's advertised window still has room for, and
// turns them into a data segment carrying a piggybacked ACK. It reports
// ok=false when there is nothing to send or the window is full.
func (w *sendWindow) NextOut(ackNum uint32, myWindow uint16) (*segment.Segment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.unsent) == 0 {
		return nil, false
	}
	n := len(w.unsent)
	if n > segment.MaxPayloadSize {
		n = segment.MaxPayloadSize
	}
	inFlight := w.bytesInFlight()
	if inFlight >= w.peerWindow {
		return nil, false
	}
	if room := w.peerWindow - inFlight; uint32(n) > room {
		n = int(room)
	}

	payload := w.unsent[:n]
	w.unsent = w.unsent[n:]

	seq := w.nextSeq
	w.nextSeq += uint32(n)
	w.queue = append(w.queue, &pendingSegment{
		seq:     seq,
		length:  uint32(n),
		flags:   segment.FlagACK,
		payload: payload,
		sentAt:  time.Now(),
	})
	return &segment.Segment{
		Seq:     seq,
		Ack:     ackNum,
		Flags:   segment.FlagACK,
		Window:  myWindow,
		Payload: payload,
	}, true
}

// EnqueueControl builds and queues a payload-less control segment
// (SYN and/or FIN), which consumes exactly one sequence number.
func (w *sendWindow) EnqueueControl(flags uint16, ackNum uint32, myWindow uint16) *segment.Segment {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++
	w.queue = append(w.queue, &pendingSegment{
		seq:     seq,
		length:  1,
		flags:   flags,
		payload: nil,
		sentAt:  time.Now(),
	})
	return &segment.Segment{
		Seq:    seq,
		Ack:    ackNum,
		Flags:  flags,
		Window: myWindow,
	}
}

// OnAck advances base on a cumulative ACK, dropping every segment it
// covers. A stale or duplicate ACK (ack <= base) is ignored.
func (w *sendWindow) OnAck(ack uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ack <= w.base {
		return
	}
	w.lastPeerActivity = time.Now()

	kept := w.queue[:0]
	for _, p := range w.queue {
		if p.seq+p.length > ack {
			kept = append(kept, p)
		}
	}
	w.queue = kept
	if ack > w.base {
		w.base = ack
	}
}

// CurrentSeq returns the sequence number that would be assigned to
// the next new segment, without consuming it. Pure ACKs (no payload,
// no SYN/FIN) carry this value: they don't occupy sequence space and
// so are never queued for retransmission.
func (w *sendWindow) CurrentSeq() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// checkRetransmit inspects the retransmission timer. It returns
// dead=true when the peer has been silent longer than timeout, which
// is checked regardless of whether anything is currently in flight.
// Otherwise, if the oldest unacked segment is older than
// resendInterval, it re-stamps and returns the entire queue
// (Go-Back-N) for retransmission.
func (w *sendWindow) checkRetransmit(now time.Time, ackNum uint32, myWindow uint16) (dead bool, toResend []*segment.Segment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.lastPeerActivity) > w.timeout {
		return true, nil
	}
	if len(w.queue) == 0 {
		return false, nil
	}
	if now.Sub(w.queue[0].sentAt) < w.resendInterval {
		return false, nil
	}

	out := make([]*segment.Segment, 0, len(w.queue))
	for _, p := range w.queue {
		p.sentAt = now
		p.retries++
		out = append(out, &segment.Segment{
			Seq:     p.seq,
			Ack:     ackNum,
			Flags:   p.flags,
			Window:  myWindow,
			Payload: p.payload,
		})
	}
	return false, out
}

func (w *sendWindow) markActivity(now time.Time) {
	w.mu.Lock()
	w.lastPeerActivity = now
	w.mu.Unlock()
}
