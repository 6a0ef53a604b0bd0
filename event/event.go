// Package event defines the normalized network audit record handed to the
// log sink, and the sink contract itself.
package event

import (
	"fmt"
	"net"
	"time"
)

// Protocol identifies the transport of an audited socket operation.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Action identifies which socket operation produced a record.
type Action uint8

const (
	ActionConnect Action = iota + 1
	ActionAccept
	ActionClose
	ActionBind
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionAccept:
		return "accept"
	case ActionClose:
		return "close"
	case ActionBind:
		return "bind"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Record is one normalized audit event: the process and address pair observed
// at the moment a networking system call executed. Addresses may be nil when
// the address family was not recognized at classification time.
type Record struct {
	Timestamp time.Time
	PID       uint32
	UID       uint32
	ExePath   string
	Protocol  Protocol
	Action    Action
	Family    uint16
	SrcIP     net.IP
	SrcPort   uint16
	DstIP     net.IP
	DstPort   uint16
}

// Sink receives records. Store is fire-and-forget: it must not block the
// caller and its failures are not the classifier's concern.
type Sink interface {
	Store(*Record)
}
