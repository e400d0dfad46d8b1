// Package segment implements the wire format of a single tou protocol
// data unit: a 20-byte header followed by up to 64 bytes of payload,
// protected by a CRC-16-CCITT checksum.
package segment

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of a segment header.
const HeaderSize = 20

// MaxPayloadSize is the largest payload a single segment may carry.
const MaxPayloadSize = 64

// Flag bits. Reserved bits must be zero on send and are ignored on receive.
const (
	FlagSYN uint16 = 1 << iota
	FlagACK
	FlagFIN
)

// Segment is a single tou protocol data unit.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint16
	Window  uint16
	Payload []byte
}

// HasFlag reports whether all bits in mask are set.
func (s *Segment) HasFlag(mask uint16) bool {
	return s.Flags&mask == mask
}

func (s *Segment) String() string {
	return fmt.Sprintf("seq=%d ack=%d flags=%s win=%d len=%d", s.Seq, s.Ack, flagString(s.Flags), s.Window, len(s.Payload))
}

func flagString(f uint16) string {
	if f == 0 {
		return "-"
	}
	s := ""
	if f&FlagSYN != 0 {
		s += "S"
	}
	if f&FlagACK != 0 {
		s += "A"
	}
	if f&FlagFIN != 0 {
		s += "F"
	}
	return s
}

// Encode serializes the segment into its wire representation: a
// 20-byte header in network byte order followed by the payload, with
// the checksum computed over the whole image (checksum field zeroed
// during the computation).
//
// Encode returns an error if the payload exceeds MaxPayloadSize.
func Encode(s *Segment) ([]byte, error) {
	if len(s.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("segment: payload of %d bytes exceeds max of %d", len(s.Payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(s.Payload))
	putHeader(buf, s, 0)
	copy(buf[HeaderSize:], s.Payload)

	cksum := Checksum(buf)
	binary.BigEndian.PutUint16(buf[14:16], cksum)
	return buf, nil
}

func putHeader(buf []byte, s *Segment, checksum uint16) {
	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], s.Seq)
	binary.BigEndian.PutUint32(buf[8:12], s.Ack)
	binary.BigEndian.PutUint16(buf[12:14], s.Flags)
	binary.BigEndian.PutUint16(buf[14:16], checksum) // checksum placeholder, zero
	binary.BigEndian.PutUint16(buf[16:18], s.Window)
	binary.BigEndian.PutUint16(buf[18:20], uint16(len(s.Payload)))
}

// Decode parses the wire representation of a segment, validating its
// size and checksum. A datagram whose decoded size field disagrees
// with the number of bytes actually received, or whose checksum does
// not match, is rejected: callers must drop such datagrams silently
// per the protocol's error handling design, Decode merely reports it.
func Decode(buf []byte) (*Segment, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTooShort
	}
	srcPort := binary.BigEndian.Uint16(buf[0:2])
	dstPort := binary.BigEndian.Uint16(buf[2:4])
	seq := binary.BigEndian.Uint32(buf[4:8])
	ack := binary.BigEndian.Uint32(buf[8:12])
	flags := binary.BigEndian.Uint16(buf[12:14])
	gotChecksum := binary.BigEndian.Uint16(buf[14:16])
	window := binary.BigEndian.Uint16(buf[16:18])
	size := binary.BigEndian.Uint16(buf[18:20])

	if int(size) != len(buf)-HeaderSize {
		return nil, ErrInconsistentSize
	}

	image := make([]byte, len(buf))
	copy(image, buf)
	binary.BigEndian.PutUint16(image[14:16], 0)
	if Checksum(image) != gotChecksum {
		return nil, ErrBadChecksum
	}

	payload := make([]byte, size)
	copy(payload, buf[HeaderSize:])

	return &Segment{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
		Payload: payload,
	}, nil
}
