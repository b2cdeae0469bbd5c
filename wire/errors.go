package wire

import "errors"

// Decode/Encode error sentinels. Callers should treat any of
// these as "no packet", never as a partially-trusted one.
var (
	ErrTooLarge      = errors.New("wire: payload exceeds plane maximum")
	ErrBadMagic      = errors.New("wire: unrecognized message-type magic")
	ErrBadVersion    = errors.New("wire: unsupported protocol version")
	ErrBadHeaderCrc  = errors.New("wire: header CRC mismatch")
	ErrBadPayloadCrc = errors.New("wire: payload CRC mismatch")
	ErrTruncated     = errors.New("wire: frame truncated")
)
