package segment

import "errors"

// Decode errors. These never propagate past the receiver: a segment
// that fails to decode is dropped silently by its caller.
var (
	ErrTooShort         = errors.New("segment: shorter than header size")
	ErrBadChecksum      = errors.New("segment: checksum mismatch")
	ErrInconsistentSize = errors.New("segment: declared size does not match payload length")
)
