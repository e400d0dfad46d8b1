package tou

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

func TestRecvWindowInOrderDelivery(t *testing.T) {
	r := newRecvWindow(0, 4096)
	r.OnSegment(&segment.Segment{Seq: 0, Payload: []byte("hello ")})
	r.OnSegment(&segment.Segment{Seq: 6, Payload: []byte("world")})

	assert.Equal(t, uint32(11), r.NextExpected())
	assert.Equal(t, "hello world", string(r.Drain(100)))
}

func TestRecvWindowReordersOutOfOrderSegments(t *testing.T) {
	r := newRecvWindow(0, 4096)
	r.OnSegment(&segment.Segment{Seq: 6, Payload: []byte("world")})
	assert.Equal(t, uint32(0), r.NextExpected())
	assert.Equal(t, 0, r.Available())

	r.OnSegment(&segment.Segment{Seq: 0, Payload: []byte("hello ")})
	assert.Equal(t, uint32(11), r.NextExpected())
	assert.Equal(t, "hello world", string(r.Drain(100)))
}

func TestRecvWindowDropsDuplicateSegment(t *testing.T) {
	r := newRecvWindow(0, 4096)
	r.OnSegment(&segment.Segment{Seq: 0, Payload: []byte("hi")})
	r.OnSegment(&segment.Segment{Seq: 0, Payload: []byte("hi")})

	assert.Equal(t, uint32(2), r.NextExpected())
	assert.Equal(t, "hi", string(r.Drain(100)))
}

func TestRecvWindowAdvertisedWindowShrinksAsBytesAccumulate(t *testing.T) {
	r := newRecvWindow(0, 10)
	assert.Equal(t, uint16(10), r.AdvertisedWindow())

	r.OnSegment(&segment.Segment{Seq: 0, Payload: make([]byte, 4)})
	assert.Equal(t, uint16(6), r.AdvertisedWindow())

	r.OnSegment(&segment.Segment{Seq: 10, Payload: make([]byte, 10)}) // out of order, buffered
	assert.Equal(t, uint16(0), r.AdvertisedWindow())
}

func TestRecvWindowEvictsFarthestSegmentWhenOverCapacity(t *testing.T) {
	r := newRecvWindow(0, 8)
	r.OnSegment(&segment.Segment{Seq: 8, Payload: make([]byte, 4)})
	r.OnSegment(&segment.Segment{Seq: 100, Payload: make([]byte, 5)})

	require.Equal(t, []uint32{8}, r.reorderedSeqs())
}

func TestRecvWindowConsumeControlSeqAdvancesOnlyWhenInOrder(t *testing.T) {
	r := newRecvWindow(5, 4096)
	assert.Equal(t, uint32(6), r.ConsumeControlSeq(5))
	// Replaying the same (now stale) control seq does not advance again.
	assert.Equal(t, uint32(6), r.ConsumeControlSeq(5))
}
