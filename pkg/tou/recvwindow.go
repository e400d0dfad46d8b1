package tou

import (
	"sort"
	"sync"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

// recvWindow is the receiver-side reassembler: it orders out-of-order
// segments by sequence number, delivers the contiguous prefix to the
// application, and advertises the local receive window.
type recvWindow struct {
	mu sync.Mutex

	nextExpected uint32
	windowSize   uint32 // configured local advertised-window ceiling, in bytes

	reorder map[uint32]*segment.Segment // seq > nextExpected, not yet contiguous
	deliver []byte                      // contiguous bytes awaiting the application's Read

	pendingAck bool
}

func newRecvWindow(isn uint32, windowSize uint32) *recvWindow {
	return &recvWindow{
		nextExpected: isn,
		windowSize:   windowSize,
		reorder:      make(map[uint32]*segment.Segment),
	}
}

// NextExpected returns the next contiguous sequence number this
// receiver is waiting for; this is the ack_num carried on outgoing
// segments.
func (r *recvWindow) NextExpected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}

// reorderBytes returns the number of payload bytes currently sitting
// in the reorder buffer. Must be called with mu held.
func (r *recvWindow) reorderBytes() uint32 {
	var total uint32
	for _, seg := range r.reorder {
		total += uint32(len(seg.Payload))
	}
	return total
}

// AdvertisedWindow returns the free space this receiver can still
// accept, accounting for both undelivered reordered segments and
// bytes the application has not yet read.
func (r *recvWindow) AdvertisedWindow() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := r.reorderBytes() + uint32(len(r.deliver))
	if used >= r.windowSize {
		return 0
	}
	free := r.windowSize - used
	if free > 0xFFFF {
		free = 0xFFFF
	}
	return uint16(free)
}

// OnSegment applies an already checksum-validated, payload-bearing
// segment to the reassembler per spec section 4.4 and sets
// pendingAck. It is a no-op for segments with an empty payload; FIN
// handling lives in the connection state machine.
func (r *recvWindow) OnSegment(seg *segment.Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case seg.Seq < r.nextExpected:
		// Duplicate: already delivered. ACK again, drop payload.
	case seg.Seq == r.nextExpected:
		r.deliver = append(r.deliver, seg.Payload...)
		r.nextExpected += uint32(len(seg.Payload))
		r.drainReorderLocked()
	default:
		r.insertReorderLocked(seg)
	}
	r.pendingAck = true
}

// drainReorderLocked moves any now-contiguous segments out of the
// reorder buffer and into the deliver queue. Must be called with mu held.
func (r *recvWindow) drainReorderLocked() {
	for {
		seg, ok := r.reorder[r.nextExpected]
		if !ok {
			return
		}
		delete(r.reorder, r.nextExpected)
		r.deliver = append(r.deliver, seg.Payload...)
		r.nextExpected += uint32(len(seg.Payload))
	}
}

// insertReorderLocked buffers an out-of-order segment, trimming the
// farthest-from-next entries while the reorder buffer's payload bytes
// exceed the configured window size (bytes already awaiting the
// application are not counted). Must be called with mu held.
func (r *recvWindow) insertReorderLocked(seg *segment.Segment) {
	if _, exists := r.reorder[seg.Seq]; exists {
		return
	}
	r.reorder[seg.Seq] = seg
	for r.reorderBytes() > r.windowSize {
		farthest := uint32(0)
		for s := range r.reorder {
			if s > farthest {
				farthest = s
			}
		}
		delete(r.reorder, farthest)
	}
}

// ConsumeControlSeq advances nextExpected past a control segment's
// sequence number (SYN or FIN both occupy one byte of sequence space)
// when it arrives in order. It returns the resulting nextExpected,
// which the caller uses as the ack_num for the reply it owes.
func (r *recvWindow) ConsumeControlSeq(seq uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq == r.nextExpected {
		r.nextExpected++
	}
	return r.nextExpected
}

// MarkPendingAck flags that an acknowledgement is owed even though no
// payload-bearing segment triggered it (e.g. a bare FIN).
func (r *recvWindow) MarkPendingAck() {
	r.mu.Lock()
	r.pendingAck = true
	r.mu.Unlock()
}

// HasPendingAck reports whether an acknowledgement is owed to the peer.
func (r *recvWindow) HasPendingAck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingAck
}

// ClearPendingAck marks the pending acknowledgement as sent.
func (r *recvWindow) ClearPendingAck() {
	r.mu.Lock()
	r.pendingAck = false
	r.mu.Unlock()
}

// Drain removes up to max bytes from the front of the deliver queue.
func (r *recvWindow) Drain(max int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > len(r.deliver) {
		max = len(r.deliver)
	}
	out := make([]byte, max)
	copy(out, r.deliver[:max])
	r.deliver = r.deliver[max:]
	return out
}

// Available returns the number of bytes currently ready for the
// application to read.
func (r *recvWindow) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliver)
}

// reorderedSeqs returns the buffered out-of-order sequence numbers in
// ascending order; used only for tests and debugging.
func (r *recvWindow) reorderedSeqs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.reorder))
	for s := range r.reorder {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
