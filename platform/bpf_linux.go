//go:build linux
// +build linux

package platform

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" netaudit ../bpf/netaudit.c -- -I../bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"netaudit/probes"
)

// BPF implements probes.Planter on Linux. Each interception point maps to
// one or two BPF program attachments on its target symbol; firings arrive
// through a single ring buffer and are dispatched synchronously to the
// point's handlers.
type BPF struct {
	log    *zap.Logger
	objs   netauditObjects
	reader *ringbuf.Reader

	running atomic.Bool
	runDone chan struct{}

	mu     sync.Mutex
	links  map[string][]link.Link
	points map[uint8]*probes.InterceptionPoint
}

// New loads the BPF objects and opens the event ring buffer. Nothing is
// attached yet; the registry drives Plant/Unplant.
func New(log *zap.Logger) (*BPF, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, xerrors.Errorf("remove memlock rlimit: %w", err)
	}

	b := &BPF{
		log:     log,
		runDone: make(chan struct{}),
		links:   make(map[string][]link.Link),
		points:  make(map[uint8]*probes.InterceptionPoint),
	}
	if err := loadNetauditObjects(&b.objs, nil); err != nil {
		return nil, xerrors.Errorf("load BPF objects: %w", err)
	}

	reader, err := ringbuf.NewReader(b.objs.Events)
	if err != nil {
		b.objs.Close()
		return nil, xerrors.Errorf("create ringbuf reader: %w", err)
	}
	b.reader = reader
	return b, nil
}

// programsFor maps an interception point's symbol to the BPF programs that
// implement its entry and return stages. The return program is nil for the
// single-point close intercept.
func (b *BPF) programsFor(symbol string) (entry, ret *ebpf.Program, hook uint8, err error) {
	switch symbol {
	case "inet_stream_connect":
		return b.objs.KprobeInetStreamConnect, b.objs.KretprobeInetStreamConnect, hookStreamConnect, nil
	case "inet_dgram_connect":
		return b.objs.KprobeInetDgramConnect, b.objs.KretprobeInetDgramConnect, hookDgramConnect, nil
	case "__sys_accept4":
		return nil, b.objs.KretprobeSysAccept4, hookAccept, nil
	case "close_fd":
		return b.objs.KprobeCloseFd, nil, hookClose, nil
	case "__sys_bind":
		return b.objs.KprobeSysBind, b.objs.KretprobeSysBind, hookBind, nil
	default:
		return nil, nil, 0, xerrors.Errorf("no BPF program for symbol %q", symbol)
	}
}

// Plant attaches the point's programs to its target symbol.
func (b *BPF) Plant(p *probes.InterceptionPoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entryProg, retProg, hook, err := b.programsFor(p.Symbol)
	if err != nil {
		return err
	}

	var links []link.Link
	closeAll := func() {
		for _, l := range links {
			l.Close()
		}
	}

	if entryProg != nil {
		l, err := link.Kprobe(p.Symbol, entryProg, nil)
		if err != nil {
			return xerrors.Errorf("attach kprobe %s: %w", p.Symbol, err)
		}
		links = append(links, l)
	}
	if retProg != nil {
		opts := &link.KprobeOptions{RetprobeMaxActive: p.MaxActive}
		l, err := link.Kretprobe(p.Symbol, retProg, opts)
		if err != nil {
			closeAll()
			return xerrors.Errorf("attach kretprobe %s: %w", p.Symbol, err)
		}
		links = append(links, l)
	}

	b.links[p.Symbol] = links
	b.points[hook] = p
	return nil
}

// Unplant detaches the point's programs. Firings already in the ring buffer
// still drain through dispatch, which drops them once the point is gone.
func (b *BPF) Unplant(p *probes.InterceptionPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.links[p.Symbol] {
		if err := l.Close(); err != nil {
			b.log.Warn("failed to detach link", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	delete(b.links, p.Symbol)
	for hook, point := range b.points {
		if point == p {
			delete(b.points, hook)
		}
	}
}

// Run drains the ring buffer until Close, dispatching each firing into its
// interception point. Meant to run on its own goroutine; Close waits for it
// to return, so no dispatch is in flight once Close has run.
func (b *BPF) Run() {
	b.running.Store(true)
	defer close(b.runDone)

	var raw rawEvent
	for {
		record, err := b.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			b.log.Warn("ringbuf read failed", zap.Error(err))
			continue
		}
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &raw); err != nil {
			b.log.Warn("failed to parse event", zap.Error(err))
			continue
		}
		b.dispatch(&raw)
	}
}

func (b *BPF) dispatch(raw *rawEvent) {
	b.mu.Lock()
	point := b.points[raw.Hook]
	b.mu.Unlock()
	if point == nil {
		// firing raced an unplant
		return
	}

	sock := decodeSocket(raw)
	var argSock *probes.Socket
	if raw.Hook == hookStreamConnect || raw.Hook == hookDgramConnect {
		argSock = sock
	}
	lookup := func(fd int) *probes.Socket {
		if fd == int(int32(raw.Args[0])) || int64(fd) == raw.Ret {
			return sock
		}
		return nil
	}

	ctx := probes.NewCallContext(raw.PID, raw.UID, raw.Args, raw.Ret, argSock, lookup)
	if point.OnEntry != nil && !point.OnEntry(ctx) {
		return
	}
	if point.OnReturn != nil {
		point.OnReturn(ctx)
	}
}

func decodeSocket(raw *rawEvent) *probes.Socket {
	if raw.SockValid == 0 {
		return nil
	}
	sock := &probes.Socket{}
	if raw.SKValid != 0 {
		sock.SK = &probes.SockState{
			Family:   raw.Family,
			Protocol: raw.Protocol,
			SrcPort:  raw.SrcPort,
			DstPort:  raw.DstPort,
			SrcV4:    raw.SrcV4,
			DstV4:    raw.DstV4,
			SrcV6:    raw.SrcV6,
			DstV6:    raw.DstV6,
		}
	}
	return sock
}

// Close detaches everything still attached and releases the BPF objects.
func (b *BPF) Close() error {
	var result *multierror.Error

	if err := b.reader.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	// join the drain goroutine so a dispatch cannot outlive Close
	if b.running.Load() {
		<-b.runDone
	}

	b.mu.Lock()
	for sym, links := range b.links {
		for _, l := range links {
			if err := l.Close(); err != nil {
				result = multierror.Append(result, xerrors.Errorf("detach %s: %w", sym, err))
			}
		}
	}
	b.links = make(map[string][]link.Link)
	b.points = make(map[uint8]*probes.InterceptionPoint)
	b.mu.Unlock()

	if err := b.objs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
