package probes

import (
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"netaudit/event"
)

// Gate is the whitelist decision function. It must be deterministic,
// side-effect free, and safe to call concurrently without the registry's
// lock; path is never empty by the time the classifier consults it.
type Gate interface {
	IsWhitelisted(path string, family uint16, dstIP net.IP, dstPort int) bool
}

// Classifier turns hook firings into audit records. It holds no locks and no
// mutable state of its own: everything per-firing lives in the CallContext,
// and the only shared state it reads is the registry's mask snapshot.
type Classifier struct {
	reg   *Registry
	gate  Gate
	sink  event.Sink
	paths PathResolver
}

// captureSocketArg is the shared entry handler for the connect pair: stash
// the socket the target received so the return handler can classify it.
func (c *Classifier) captureSocketArg(ctx *CallContext) bool {
	if ctx.PID() == 0 {
		return false
	}
	ctx.sock = ctx.FirstArgSocket()
	return true
}

func (c *Classifier) streamConnectReturn(ctx *CallContext) {
	sock := ctx.sock
	if ctx.PID() != 0 &&
		sock != nil && sock.SK != nil &&
		inetFamily(sock.SK.Family) &&
		sock.SK.Protocol == unix.IPPROTO_TCP {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoTCP, event.ActionConnect)
	}
}

func (c *Classifier) dgramConnectReturn(ctx *CallContext) {
	sock := ctx.sock
	if ctx.PID() != 0 &&
		sock != nil && sock.SK != nil &&
		inetFamily(sock.SK.Family) &&
		sock.SK.Protocol == unix.IPPROTO_UDP {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoUDP, event.ActionConnect)
	}
}

// acceptReturn fires after accept returns; the new socket only exists at
// that point, so it is resolved from the returned descriptor.
func (c *Classifier) acceptReturn(ctx *CallContext) {
	sock := ctx.LookupFD(int(ctx.ReturnValue()))
	if sock == nil {
		return
	}
	if sock.SK != nil &&
		inetFamily(sock.SK.Family) &&
		sock.SK.Protocol == unix.IPPROTO_TCP {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoTCP, event.ActionAccept)
	}
}

func (c *Classifier) bindEntry(ctx *CallContext) bool {
	if ctx.PID() == 0 {
		return false
	}
	sock := ctx.LookupFD(int(int32(ctx.FirstArg())))
	if sock == nil {
		return false
	}
	ctx.sock = sock
	return true
}

func (c *Classifier) bindReturn(ctx *CallContext) {
	sock := ctx.sock
	if sock == nil {
		return
	}
	if sock.SK != nil &&
		inetFamily(sock.SK.Family) &&
		sock.SK.Protocol == unix.IPPROTO_UDP {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoUDP, event.ActionBind)
	}
}

// closeEntry is the single-point close intercept. It runs before the close
// executes (afterwards the descriptor is gone), decides TCP vs UDP from the
// socket itself against the live mask, and filters sockets that never
// carried traffic: an unestablished TCP socket has no peer port, an unbound
// UDP socket has no local port. TCP is checked first and the branches are
// mutually exclusive; sk_protocol is a single discriminant, one close call
// never yields both a TCP and a UDP record.
func (c *Classifier) closeEntry(ctx *CallContext) bool {
	sock := ctx.LookupFD(int(int32(ctx.FirstArg())))

	if ctx.PID() == 0 || sock == nil || sock.SK == nil || !inetFamily(sock.SK.Family) {
		return false
	}

	active := c.reg.Active()
	if active.Has(TCPClose) &&
		sock.SK.Protocol == unix.IPPROTO_TCP &&
		sock.SK.DstPort != 0 {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoTCP, event.ActionClose)
	} else if active.Has(UDPClose) &&
		sock.SK.Protocol == unix.IPPROTO_UDP &&
		sock.SK.SrcPort != 0 {
		c.logIfNotWhitelisted(ctx, sock, event.ProtoUDP, event.ActionClose)
	}
	return false
}

// logIfNotWhitelisted resolves the calling process, extracts the address
// pair, consults the gate, and emits at most one record. sock and sock.SK
// are non-nil here.
func (c *Classifier) logIfNotWhitelisted(ctx *CallContext, sock *Socket, proto event.Protocol, action event.Action) {
	path := c.paths.ExePath(ctx.PID())
	if path == "" {
		return
	}

	sk := sock.SK
	var srcIP, dstIP net.IP
	switch sk.Family {
	case unix.AF_INET:
		srcIP = ipv4IP(sk.SrcV4)
		dstIP = ipv4IP(sk.DstV4)
	case unix.AF_INET6:
		srcIP = ipv6IP(sk.SrcV6)
		dstIP = ipv6IP(sk.DstV6)
	default:
		// unrecognized family: the record still reaches the gate, with nil
		// addresses
	}

	if c.gate != nil && c.gate.IsWhitelisted(path, sk.Family, dstIP, int(sk.DstPort)) {
		return
	}

	c.sink.Store(&event.Record{
		Timestamp: time.Now(),
		PID:       ctx.PID(),
		UID:       ctx.UID(),
		ExePath:   path,
		Protocol:  proto,
		Action:    action,
		Family:    sk.Family,
		SrcIP:     srcIP,
		SrcPort:   sk.SrcPort,
		DstIP:     dstIP,
		DstPort:   sk.DstPort,
	})
}

func inetFamily(family uint16) bool {
	return family == unix.AF_INET || family == unix.AF_INET6
}

// ipv4IP converts a little-endian 32-bit address to a net.IP.
func ipv4IP(addr uint32) net.IP {
	ip := make(net.IP, 4)
	binary.LittleEndian.PutUint32(ip, addr)
	return ip
}

// ipv6IP converts a 4x32-bit address to a net.IP.
func ipv6IP(addr [4]uint32) net.IP {
	ip := make(net.IP, 16)
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint32(ip[i*4:], addr[i])
	}
	return ip
}
