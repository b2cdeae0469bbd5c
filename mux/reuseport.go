package mux

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrPortControl is passed as net.ListenConfig.Control so the PD and
// MD UDP sockets can bind SO_REUSEADDR and SO_REUSEPORT before bind(2) runs.
// Setsockopt failures here are non-fatal: the caller logs and bind proceeds
// regardless.
func reuseAddrPortControl(sockoptErr *error) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				*sockoptErr = err
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				*sockoptErr = err
			}
		})
	}
}

// DSCPClass is a TRDP QoS class per IEC 61375-3-4 §4.6.3: the top 3 bits of
// the DSCP byte select the class, the bottom 2 bits are reserved for ECN.
type DSCPClass byte

const (
	DSCPDefault DSCPClass = 0x00 // LLL=000
	DSCPClass2  DSCPClass = 0x20 // LLL=001
	DSCPClass3  DSCPClass = 0x40 // LLL=010
	DSCPClass4  DSCPClass = 0x60 // LLL=011 — typical PD default
	DSCPClass5  DSCPClass = 0x80 // LLL=100
	DSCPClass6  DSCPClass = 0xA0 // LLL=101 — typical MD default
)

// setTOS applies class as the IP_TOS byte on fd. QoS/TTL setsockopt errors
// are never fatal; the caller logs and continues.
func setTOS(c syscall.RawConn, class DSCPClass) error {
	var sockoptErr error
	err := c.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(class))
	})
	if err != nil {
		return err
	}
	return sockoptErr
}

// setMulticastTTL sets the outgoing multicast TTL.
func setMulticastTTL(c syscall.RawConn, ttl int) error {
	var sockoptErr error
	err := c.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}

// setMulticastLoop enables/disables multicast loopback, off by default.
func setMulticastLoop(c syscall.RawConn, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	var sockoptErr error
	err := c.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, v)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}
