package mux

import "errors"

// Failure-semantics sentinels. Setsockopt failures on
// advisory options (QoS/TTL) are logged by the caller, never returned as
// one of these.
var (
	// ErrBlock is returned when a send would block (EWOULDBLOCK/EAGAIN).
	ErrBlock = errors.New("mux: send would block")
	// ErrNoConn is returned when a TCP send hits connection-refused or
	// host-unreachable; the pooled connection is invalidated and removed.
	ErrNoConn = errors.New("mux: connection refused or unreachable")
	// ErrSocket is returned for an unrecoverable socket error (loss of the
	// bound PD or MD socket that cannot be rebound).
	ErrSocket = errors.New("mux: unrecoverable socket error")
)
