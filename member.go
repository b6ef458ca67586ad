package fabrichost

import (
	"net/netip"
	"time"
)

// EndpointPair holds the two addresses a node binds for its lifetime: the
// node-to-node listen endpoint and the client-facing proxy endpoint.
type EndpointPair struct {
	Listen netip.AddrPort
	Proxy  netip.AddrPort
}

// MemberStatus is the membership state a node publishes for itself.
type MemberStatus uint8

const (
	MemberJoining MemberStatus = iota + 1
	MemberActive
	MemberShuttingDown
	MemberDead
)

func (s MemberStatus) String() string {
	switch s {
	case MemberJoining:
		return "joining"
	case MemberActive:
		return "active"
	case MemberShuttingDown:
		return "shutting_down"
	case MemberDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ParseMemberStatus is the inverse of MemberStatus.String.
func ParseMemberStatus(s string) MemberStatus {
	for _, st := range []MemberStatus{MemberJoining, MemberActive, MemberShuttingDown, MemberDead} {
		if st.String() == s {
			return st
		}
	}
	return 0
}

// MemberRecord is a row in the membership table. Each node owns and writes
// its own record; the key is (DeploymentID, Address, Generation).
type MemberRecord struct {
	DeploymentID string
	Name         string
	Endpoints    EndpointPair
	Generation   int64
	Status       MemberStatus
	UpdatedAt    time.Time
}

// IsGateway reports whether clients may connect to the record's proxy endpoint.
func (r MemberRecord) IsGateway() bool {
	return r.Status == MemberActive && r.Endpoints.Proxy.IsValid()
}
