package mux

import (
	"net"

	"trdp/wire"
)

// Plane identifies which of the two socket planes an Event arrived on.
type Plane int

const (
	PlanePD Plane = iota
	PlaneMD
)

// Event is one demultiplexed inbound packet, ready for the PD subscriber
// index or the MD session table to consume.
type Event struct {
	Plane     Plane
	Packet    *wire.Packet
	SrcAddr   *net.UDPAddr // always set for UDP-origin events
	DstAddr   net.IP       // recovered via IP_PKTINFO/IP_RECVDSTADDR; nil if unknown
	Multicast bool         // true if DstAddr is a multicast address
	TCPPeer   string       // non-empty for MD-over-TCP events, keys the tcpPool
}
