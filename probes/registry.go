package probes

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"netaudit/event"
)

// Installation failure kinds, one per probe family. A failed plant is
// reported to the administrative caller and never retried here.
var (
	ErrConnectProbe = errors.New("connect probe installation failed")
	ErrAcceptProbe  = errors.New("accept probe installation failed")
	ErrCloseProbe   = errors.New("close probe installation failed")
	ErrBindProbe    = errors.New("bind probe installation failed")
)

// Config wires the registry's collaborators.
type Config struct {
	Planter Planter
	Gate    Gate
	Sink    event.Sink
	Paths   PathResolver

	// DefaultMask is installed by Init on first use, before any explicit
	// configuration is applied.
	DefaultMask Mask

	Logger *zap.Logger
}

// Registry owns the set of interception points and the mask of which are
// active. All mutation happens under one mutex; that same mutex is what
// keeps the shared close point from being double-planted or unplanted while
// its sibling bit still needs it.
type Registry struct {
	mu          sync.Mutex
	active      Mask
	initialized bool
	defaultMask Mask

	planter    Planter
	classifier *Classifier
	log        *zap.Logger

	// one point per kind, except TCPClose/UDPClose which share closePoint
	streamConnect *InterceptionPoint
	dgramConnect  *InterceptionPoint
	accept        *InterceptionPoint
	closePoint    *InterceptionPoint
	bind          *InterceptionPoint
}

// New builds a registry with nothing installed. Call Init (or let the first
// Reconcile/SetProbe do it) to bring up the default probe set.
func New(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		planter:     cfg.Planter,
		defaultMask: cfg.DefaultMask,
		log:         log,
	}
	r.classifier = &Classifier{
		reg:   r,
		gate:  cfg.Gate,
		sink:  cfg.Sink,
		paths: cfg.Paths,
	}

	maxActive := 16 * runtime.NumCPU()
	r.streamConnect = &InterceptionPoint{
		Symbol:    "inet_stream_connect",
		OnEntry:   r.classifier.captureSocketArg,
		OnReturn:  r.classifier.streamConnectReturn,
		MaxActive: maxActive,
	}
	r.dgramConnect = &InterceptionPoint{
		Symbol:    "inet_dgram_connect",
		OnEntry:   r.classifier.captureSocketArg,
		OnReturn:  r.classifier.dgramConnectReturn,
		MaxActive: maxActive,
	}
	r.accept = &InterceptionPoint{
		Symbol:    "__sys_accept4",
		OnReturn:  r.classifier.acceptReturn,
		MaxActive: maxActive,
	}
	// TCP close and UDP close multiplex this single physical point; which of
	// the two (or neither) applies is decided per firing against the live
	// mask, because the descriptor must be inspected to know the protocol.
	r.closePoint = &InterceptionPoint{
		Symbol:    "close_fd",
		OnEntry:   r.classifier.closeEntry,
		EntryOnly: true,
	}
	r.bind = &InterceptionPoint{
		Symbol:    "__sys_bind",
		OnEntry:   r.classifier.bindEntry,
		OnReturn:  r.classifier.bindReturn,
		MaxActive: maxActive,
	}
	return r
}

// Classifier exposes the registry's classifier, mainly for tests.
func (r *Registry) Classifier() *Classifier { return r.classifier }

// Active returns a snapshot of the active mask.
func (r *Registry) Active() Mask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Install plants every point whose bit is present in mask but not yet
// active. Partial success: bits planted before a failure stay planted, the
// failing bit stays clear, and the per-family error is returned.
func (r *Registry) Install(mask Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.install(mask)
}

// Uninstall clears every bit of mask that is active, unplanting a point only
// once no remaining bit needs it. Uninstall is infallible at this layer.
func (r *Registry) Uninstall(mask Mask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uninstall(mask)
}

// Reconcile drives the active mask to wanted: removals first, then
// additions, all under a single lock acquisition. First use installs the
// default mask before applying the change.
func (r *Registry) Reconcile(wanted Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDefault(); err != nil {
		return err
	}
	r.uninstall(r.active &^ wanted)
	return r.install(wanted &^ r.active)
}

// SetProbe toggles a single probe kind, with the same implicit first-use
// initialization as Reconcile.
func (r *Registry) SetProbe(kind ProbeKind, enabled bool) error {
	if kind >= numProbes {
		return fmt.Errorf("unknown probe kind %d", uint(kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureDefault(); err != nil {
		return err
	}
	if enabled {
		return r.install(kind.Bit())
	}
	r.uninstall(kind.Bit())
	return nil
}

// Init installs the default probe mask if no configuration has been applied
// yet. Safe to call more than once; only the first call does anything.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureDefault()
}

// Shutdown uninstalls everything. Called once at agent teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uninstall(r.active)
}

func (r *Registry) ensureDefault() error {
	if r.initialized {
		return nil
	}
	err := r.install(r.defaultMask)
	if err == nil {
		r.initialized = true
	}
	return err
}

// install plants the delta between want and the active mask, in the fixed
// probe order. Caller holds r.mu.
func (r *Registry) install(want Mask) error {
	want &^= r.active

	if want.Has(TCPConnect) {
		if err := r.plant(r.streamConnect, ErrConnectProbe); err != nil {
			return err
		}
		r.active |= TCPConnect.Bit()
	}
	if want.Has(TCPAccept) {
		if err := r.plant(r.accept, ErrAcceptProbe); err != nil {
			return err
		}
		r.active |= TCPAccept.Bit()
	}
	if want.Has(TCPClose) {
		if !r.active.Has(UDPClose) {
			if err := r.plant(r.closePoint, ErrCloseProbe); err != nil {
				return err
			}
		}
		r.active |= TCPClose.Bit()
	}
	if want.Has(UDPConnect) {
		if err := r.plant(r.dgramConnect, ErrConnectProbe); err != nil {
			return err
		}
		r.active |= UDPConnect.Bit()
	}
	if want.Has(UDPBind) {
		if err := r.plant(r.bind, ErrBindProbe); err != nil {
			return err
		}
		r.active |= UDPBind.Bit()
	}
	if want.Has(UDPClose) {
		if !r.active.Has(TCPClose) {
			if err := r.plant(r.closePoint, ErrCloseProbe); err != nil {
				return err
			}
		}
		r.active |= UDPClose.Bit()
	}
	return nil
}

// uninstall clears the requested bits and unplants points nothing needs
// anymore. Caller holds r.mu.
func (r *Registry) uninstall(removed Mask) {
	removed &= r.active
	r.active &^= removed

	if removed.Has(TCPConnect) {
		r.unplant(r.streamConnect)
	}
	if removed.Has(TCPAccept) {
		r.unplant(r.accept)
	}
	if removed&closeBits != 0 {
		// the shared close point stays planted while either sibling needs it
		if r.active&closeBits == 0 {
			r.unplant(r.closePoint)
		}
	}
	if removed.Has(UDPConnect) {
		r.unplant(r.dgramConnect)
	}
	if removed.Has(UDPBind) {
		r.unplant(r.bind)
	}
}

func (r *Registry) plant(p *InterceptionPoint, kindErr error) error {
	if err := r.planter.Plant(p); err != nil {
		r.log.Warn("probe installation failed",
			zap.String("symbol", p.Symbol),
			zap.Error(err))
		return fmt.Errorf("%w: %v", kindErr, err)
	}
	r.log.Info("probe installed", zap.String("symbol", p.Symbol))
	return nil
}

func (r *Registry) unplant(p *InterceptionPoint) {
	r.planter.Unplant(p)
	r.log.Info("probe removed", zap.String("symbol", p.Symbol))
}
