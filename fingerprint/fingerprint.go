// Package fingerprint implements the telegram fingerprint: the unordered
// tuple used to match an inbound PD or MD packet against subscriptions and
// listeners.
package fingerprint

// Fingerprint identifies a PD or MD flow. Zero value of any field in a
// pattern (the subscription/listener side) is a wildcard matching any value
// of that field on the inbound (packet) side.
type Fingerprint struct {
	ComID      uint32
	TopoCount  uint32
	OpTrnTopo  uint32
	SrcAddr    uint32 // network-order IPv4
	DstAddr    uint32 // network-order IPv4
	ServiceID  uint32
}

// Matches reports whether the inbound fingerprint in (no wildcards — this
// is the concrete value decoded from a wire packet) satisfies the pattern
// p (subscription/listener side, where a zero field means "any").
func (p Fingerprint) Matches(in Fingerprint) bool {
	return fieldMatches(p.ComID, in.ComID) &&
		fieldMatches(p.TopoCount, in.TopoCount) &&
		fieldMatches(p.OpTrnTopo, in.OpTrnTopo) &&
		fieldMatches(p.SrcAddr, in.SrcAddr) &&
		fieldMatches(p.DstAddr, in.DstAddr) &&
		fieldMatches(p.ServiceID, in.ServiceID)
}

func fieldMatches(pattern, actual uint32) bool {
	return pattern == 0 || pattern == actual
}

// HasWildcard reports whether any field of p is a wildcard. Subscription
// indices use this to decide whether a fingerprint belongs in the hashed
// exact-match table or the wildcard linear-scan fallback.
func (p Fingerprint) HasWildcard() bool {
	return p.ComID == 0 || p.TopoCount == 0 || p.OpTrnTopo == 0 ||
		p.SrcAddr == 0 || p.DstAddr == 0 || p.ServiceID == 0
}
