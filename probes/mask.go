package probes

import (
	"fmt"
	"strconv"
)

// ProbeKind is one of the six logical probe categories. Its numeric value is
// the bit position inside a Mask.
type ProbeKind uint

const (
	TCPConnect ProbeKind = iota
	TCPAccept
	TCPClose
	UDPConnect
	UDPBind
	UDPClose

	numProbes
)

var probeNames = [numProbes]string{
	TCPConnect: "tcp_connect",
	TCPAccept:  "tcp_accept",
	TCPClose:   "tcp_close",
	UDPConnect: "udp_connect",
	UDPBind:    "udp_bind",
	UDPClose:   "udp_close",
}

func (k ProbeKind) String() string {
	if k < numProbes {
		return probeNames[k]
	}
	return fmt.Sprintf("probe(%d)", uint(k))
}

// Bit returns the mask bit for this kind.
func (k ProbeKind) Bit() Mask { return 1 << k }

// KindByName resolves an administrative probe name ("tcp_connect", ...).
func KindByName(name string) (ProbeKind, bool) {
	for k, n := range probeNames {
		if n == name {
			return ProbeKind(k), true
		}
	}
	return 0, false
}

// Mask is a bitmask over the six probe kinds. The administrative surface
// exchanges it as lowercase hex text.
type Mask uint32

// AllProbes has every probe bit set.
const AllProbes Mask = 1<<numProbes - 1

// closeBits covers the two logical kinds multiplexed onto the single
// physical close interception point.
const closeBits = 1<<TCPClose | 1<<UDPClose

// Has reports whether the bit for kind k is set.
func (m Mask) Has(k ProbeKind) bool { return m&k.Bit() != 0 }

// Hex renders the mask as lowercase hex, the form the admin API exchanges.
func (m Mask) Hex() string { return strconv.FormatUint(uint64(m), 16) }

func (m Mask) String() string { return m.Hex() }

// ParseMask parses a hex-encoded mask and rejects bits outside the known
// probe kinds.
func ParseMask(s string) (Mask, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid probe mask %q: %v", s, err)
	}
	if Mask(v)&^AllProbes != 0 {
		return 0, fmt.Errorf("probe mask %q has unknown bits set", s)
	}
	return Mask(v), nil
}
