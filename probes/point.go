// Package probes is the core of the audit agent: the registry that decides
// which interception points are installed, and the classifier that turns a
// firing hook into a normalized audit record (or nothing).
package probes

// SockState is the snapshot of a socket's inner state at the moment a hook
// fired. Ports are host order; the IPv4 and IPv6 address fields are both
// present and the classifier picks per family.
type SockState struct {
	Family   uint16
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
	SrcV4    uint32
	DstV4    uint32
	SrcV6    [4]uint32
	DstV6    [4]uint32
}

// Socket is a resolved socket handle. SK is nil when the socket exists but
// carries no inner state, mirroring a struct socket with a NULL sk.
type Socket struct {
	SK *SockState
}

// CallContext carries everything a single hook invocation exposes: the
// calling process identity, the raw argument slots, the return value, and
// capability accessors for decoding them. One CallContext is owned by exactly
// one in-flight invocation; the sock slot is the per-invocation storage
// shared between an entry handler and its return handler, so no
// synchronization is ever needed on it.
type CallContext struct {
	pid  uint32
	uid  uint32
	args [3]uint64
	ret  int64

	argSock *Socket
	lookup  func(fd int) *Socket

	// per-invocation storage carried from entry to return
	sock *Socket
}

// NewCallContext is used by the instrumentation subsystem (and tests) to
// deliver a hook firing. argSock is the decoded socket argument when the hook
// target's first argument is a socket pointer; lookup resolves a descriptor
// number to a socket in the calling process, returning nil when the
// descriptor is not a live socket.
func NewCallContext(pid, uid uint32, args [3]uint64, ret int64, argSock *Socket, lookup func(fd int) *Socket) *CallContext {
	return &CallContext{pid: pid, uid: uid, args: args, ret: ret, argSock: argSock, lookup: lookup}
}

// PID returns the pid of the thread the hook fired in. Zero means the firing
// had no associated process (kernel context).
func (c *CallContext) PID() uint32 { return c.pid }

// UID returns the real uid of the calling process.
func (c *CallContext) UID() uint32 { return c.uid }

// FirstArg returns the target's first argument slot.
func (c *CallContext) FirstArg() uint64 { return c.args[0] }

// SecondArg returns the target's second argument slot.
func (c *CallContext) SecondArg() uint64 { return c.args[1] }

// ThirdArg returns the target's third argument slot.
func (c *CallContext) ThirdArg() uint64 { return c.args[2] }

// ReturnValue returns the target's return value. Only meaningful inside a
// return handler.
func (c *CallContext) ReturnValue() int64 { return c.ret }

// FirstArgSocket returns the socket the target received as its first
// argument, or nil if there was none.
func (c *CallContext) FirstArgSocket() *Socket { return c.argSock }

// LookupFD resolves a descriptor of the calling process to a live socket,
// or nil. The moral equivalent of sockfd_lookup.
func (c *CallContext) LookupFD(fd int) *Socket {
	if c.lookup == nil {
		return nil
	}
	return c.lookup(fd)
}

// EntryHandler runs when an interception point fires, before the target
// executes. Returning false tells the instrumentation subsystem to skip the
// return handler for this invocation.
type EntryHandler func(*CallContext) bool

// ReturnHandler runs when the target returns, on the same CallContext the
// entry handler saw.
type ReturnHandler func(*CallContext)

// InterceptionPoint is one installable hook: a symbolic target plus the
// handlers to run around it. Points are built once per Registry and live for
// the life of the agent; the registry's mask tracks which are planted.
type InterceptionPoint struct {
	// Symbol names the hook target for the instrumentation subsystem.
	Symbol string

	// OnEntry runs at invocation start; may be nil.
	OnEntry EntryHandler

	// OnReturn runs at invocation completion; nil for entry-only points.
	OnReturn ReturnHandler

	// MaxActive bounds concurrent in-flight invocations of this point.
	// Excess invocations are silently missed, not queued.
	MaxActive int

	// EntryOnly marks a single-point intercept: the hook fires once, before
	// the target runs, and no return-stage delivery is wanted.
	EntryOnly bool
}

// Planter is the instrumentation subsystem: it physically installs and
// removes interception points and delivers their firings by calling OnEntry
// and OnReturn on fresh CallContexts. In-flight firings racing an Unplant
// are the planter's problem; it must let them complete safely.
type Planter interface {
	Plant(*InterceptionPoint) error
	Unplant(*InterceptionPoint)
}

// PathResolver maps a calling process to its executable path. Empty string
// means the path cannot be resolved (for example a kernel thread), in which
// case the classifier drops the event.
type PathResolver interface {
	ExePath(pid uint32) string
}
