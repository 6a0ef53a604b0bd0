package probes

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlanter records plant/unplant calls per symbol and can be told to
// reject specific symbols.
type fakePlanter struct {
	mu       sync.Mutex
	plants   map[string]int
	unplants map[string]int
	fail     map[string]error
}

func newFakePlanter() *fakePlanter {
	return &fakePlanter{
		plants:   make(map[string]int),
		unplants: make(map[string]int),
		fail:     make(map[string]error),
	}
}

func (f *fakePlanter) Plant(p *InterceptionPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[p.Symbol]; err != nil {
		return err
	}
	f.plants[p.Symbol]++
	return nil
}

func (f *fakePlanter) Unplant(p *InterceptionPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unplants[p.Symbol]++
}

func newTestRegistry(planter Planter, def Mask) *Registry {
	return New(Config{
		Planter:     planter,
		Sink:        &fakeSink{},
		Paths:       fakePaths{},
		DefaultMask: def,
	})
}

func TestReconcileConverges(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	maskA := TCPConnect.Bit() | TCPClose.Bit() | UDPBind.Bit()
	maskB := TCPAccept.Bit() | UDPClose.Bit()

	require.NoError(t, reg.Reconcile(maskA))
	assert.Equal(t, maskA, reg.Active())

	require.NoError(t, reg.Reconcile(maskB))
	assert.Equal(t, maskB, reg.Active())

	require.NoError(t, reg.Reconcile(0))
	assert.Equal(t, Mask(0), reg.Active())
}

func TestReconcileIsIdempotent(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	mask := TCPConnect.Bit() | UDPConnect.Bit()
	require.NoError(t, reg.Reconcile(mask))
	require.NoError(t, reg.Reconcile(mask))

	assert.Equal(t, mask, reg.Active())
	assert.Equal(t, 1, planter.plants["inet_stream_connect"])
	assert.Equal(t, 1, planter.plants["inet_dgram_connect"])
	assert.Equal(t, 0, planter.unplants["inet_stream_connect"])
}

func TestSharedClosePlantedOnce(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	require.NoError(t, reg.Install(TCPClose.Bit()))
	require.NoError(t, reg.Install(UDPClose.Bit()))

	assert.Equal(t, TCPClose.Bit()|UDPClose.Bit(), reg.Active())
	assert.Equal(t, 1, planter.plants["close_fd"], "shared close point must be planted exactly once")
}

func TestSharedCloseUnplantedLast(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	require.NoError(t, reg.Install(TCPClose.Bit() | UDPClose.Bit()))
	require.Equal(t, 1, planter.plants["close_fd"])

	reg.Uninstall(TCPClose.Bit())
	assert.Equal(t, 0, planter.unplants["close_fd"], "close point still needed by udp_close")
	assert.Equal(t, UDPClose.Bit(), reg.Active())

	reg.Uninstall(UDPClose.Bit())
	assert.Equal(t, 1, planter.unplants["close_fd"])
	assert.Equal(t, Mask(0), reg.Active())
}

func TestSharedCloseToggleSequences(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	// arbitrary toggle sequence on the close pair; after each step the
	// physical point is planted iff at least one bit is set
	steps := []struct {
		kind    ProbeKind
		enable  bool
		planted bool
	}{
		{TCPClose, true, true},
		{UDPClose, true, true},
		{TCPClose, false, true},
		{TCPClose, true, true},
		{UDPClose, false, true},
		{TCPClose, false, false},
		{UDPClose, true, true},
		{UDPClose, false, false},
	}
	for i, s := range steps {
		if s.enable {
			require.NoError(t, reg.Install(s.kind.Bit()), "step %d", i)
		} else {
			reg.Uninstall(s.kind.Bit())
		}
		planted := planter.plants["close_fd"] > planter.unplants["close_fd"]
		assert.Equal(t, s.planted, planted, "step %d", i)
		assert.LessOrEqual(t, planter.plants["close_fd"]-planter.unplants["close_fd"], 1, "step %d", i)
	}
}

func TestInstallPartialFailure(t *testing.T) {
	planter := newFakePlanter()
	planter.fail["__sys_accept4"] = errors.New("symbol not found")
	reg := newTestRegistry(planter, 0)

	err := reg.Install(TCPConnect.Bit() | TCPAccept.Bit())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcceptProbe)

	// the bit planted before the failure stays installed, the failing bit
	// stays clear, and a later install for another bit still works
	assert.Equal(t, TCPConnect.Bit(), reg.Active())
	require.NoError(t, reg.Install(UDPBind.Bit()))
	assert.Equal(t, TCPConnect.Bit()|UDPBind.Bit(), reg.Active())
}

func TestInstallErrorKinds(t *testing.T) {
	cases := []struct {
		symbol string
		mask   Mask
		want   error
	}{
		{"inet_stream_connect", TCPConnect.Bit(), ErrConnectProbe},
		{"__sys_accept4", TCPAccept.Bit(), ErrAcceptProbe},
		{"close_fd", TCPClose.Bit(), ErrCloseProbe},
		{"inet_dgram_connect", UDPConnect.Bit(), ErrConnectProbe},
		{"__sys_bind", UDPBind.Bit(), ErrBindProbe},
		{"close_fd", UDPClose.Bit(), ErrCloseProbe},
	}
	for _, tc := range cases {
		planter := newFakePlanter()
		planter.fail[tc.symbol] = errors.New("rejected")
		reg := newTestRegistry(planter, 0)

		err := reg.Install(tc.mask)
		assert.ErrorIs(t, err, tc.want, "symbol %s", tc.symbol)
		assert.Equal(t, Mask(0), reg.Active(), "symbol %s", tc.symbol)
	}
}

func TestInitInstallsDefaultOnce(t *testing.T) {
	planter := newFakePlanter()
	def := TCPConnect.Bit() | TCPClose.Bit()
	reg := newTestRegistry(planter, def)

	require.NoError(t, reg.Init())
	assert.Equal(t, def, reg.Active())

	require.NoError(t, reg.Init())
	assert.Equal(t, 1, planter.plants["inet_stream_connect"])
	assert.Equal(t, 1, planter.plants["close_fd"])
}

func TestReconcileAppliesDefaultFirst(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, AllProbes)

	// first configuration change lands on top of the default set
	require.NoError(t, reg.Reconcile(TCPConnect.Bit()))
	assert.Equal(t, TCPConnect.Bit(), reg.Active())
	assert.Equal(t, 1, planter.plants["__sys_bind"], "default mask installed before reconcile applied")
	assert.Equal(t, 1, planter.unplants["__sys_bind"])
}

func TestInitFailureIsRetried(t *testing.T) {
	planter := newFakePlanter()
	planter.fail["inet_stream_connect"] = errors.New("rejected")
	reg := newTestRegistry(planter, TCPConnect.Bit())

	require.Error(t, reg.Init())

	delete(planter.fail, "inet_stream_connect")
	require.NoError(t, reg.Init())
	assert.Equal(t, TCPConnect.Bit(), reg.Active())
}

func TestSetProbe(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	require.NoError(t, reg.SetProbe(UDPBind, true))
	assert.Equal(t, UDPBind.Bit(), reg.Active())

	// enabling twice plants once
	require.NoError(t, reg.SetProbe(UDPBind, true))
	assert.Equal(t, 1, planter.plants["__sys_bind"])

	require.NoError(t, reg.SetProbe(UDPBind, false))
	assert.Equal(t, Mask(0), reg.Active())
	assert.Equal(t, 1, planter.unplants["__sys_bind"])

	assert.Error(t, reg.SetProbe(ProbeKind(17), true))
}

func TestShutdown(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	require.NoError(t, reg.Install(AllProbes))
	reg.Shutdown()

	assert.Equal(t, Mask(0), reg.Active())
	for _, sym := range []string{"inet_stream_connect", "inet_dgram_connect", "__sys_accept4", "__sys_bind", "close_fd"} {
		assert.Equal(t, 1, planter.unplants[sym], "symbol %s", sym)
	}
}

func TestUninstallInactiveBitsIsNoop(t *testing.T) {
	planter := newFakePlanter()
	reg := newTestRegistry(planter, 0)

	reg.Uninstall(AllProbes)
	assert.Empty(t, planter.unplants)
}
