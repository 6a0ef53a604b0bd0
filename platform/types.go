// Package platform is the instrumentation subsystem: it physically installs
// interception points (eBPF kprobes on Linux) and delivers their firings
// into the probe registry's handlers.
package platform

// Hook identifiers shared with bpf/netaudit.c.
const (
	hookStreamConnect uint8 = 1
	hookDgramConnect  uint8 = 2
	hookAccept        uint8 = 3
	hookClose         uint8 = 4
	hookBind          uint8 = 5
)

// rawEvent mirrors struct net_event in bpf/netaudit.c (packed layout). One
// is emitted per hook firing; for entry/return pairs the kernel side carries
// the entry-captured data through to the return and emits once.
type rawEvent struct {
	Timestamp uint64
	Args      [3]uint64
	Ret       int64

	PID uint32
	UID uint32

	Family   uint16
	Protocol uint8
	Hook     uint8

	SrcPort uint16
	DstPort uint16

	SrcV4 uint32
	DstV4 uint32
	SrcV6 [4]uint32
	DstV6 [4]uint32

	// SockValid is zero when no socket could be resolved for the firing;
	// SKValid is zero when the socket had no inner state.
	SockValid uint8
	SKValid   uint8
	Pad       [2]uint8
}
