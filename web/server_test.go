package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netaudit/database"
	"netaudit/event"
	"netaudit/probes"
	"netaudit/whitelist"
)

type nopPlanter struct {
	fail map[string]error
}

func (p *nopPlanter) Plant(ip *probes.InterceptionPoint) error {
	if p.fail != nil {
		return p.fail[ip.Symbol]
	}
	return nil
}

func (p *nopPlanter) Unplant(*probes.InterceptionPoint) {}

type nopSink struct{}

func (nopSink) Store(*event.Record) {}

type nopPaths struct{}

func (nopPaths) ExePath(uint32) string { return "" }

func testServer(t *testing.T, planter probes.Planter) (*Server, *probes.Registry) {
	t.Helper()
	reg := probes.New(probes.Config{
		Planter: planter,
		Sink:    nopSink{},
		Paths:   nopPaths{},
	})
	db, err := database.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	wl := whitelist.NewList(nil)
	return NewServer(reg, db, wl, nil), reg
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetProbesEmpty(t *testing.T) {
	s, _ := testServer(t, &nopPlanter{})
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/probes", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Mask   string          `json:"mask"`
		Probes map[string]bool `json:"probes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0", resp.Mask)
	assert.False(t, resp.Probes["tcp_connect"])
	assert.Len(t, resp.Probes, 6)
}

func TestPutProbesMask(t *testing.T) {
	s, reg := testServer(t, &nopPlanter{})
	w := doJSON(t, s.Handler(), http.MethodPut, "/api/probes", `{"mask":"5"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, probes.TCPConnect.Bit()|probes.TCPClose.Bit(), reg.Active())
}

func TestPutProbesBadMask(t *testing.T) {
	s, _ := testServer(t, &nopPlanter{})
	assert.Equal(t, http.StatusBadRequest, doJSON(t, s.Handler(), http.MethodPut, "/api/probes", `{"mask":"zz"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, s.Handler(), http.MethodPut, "/api/probes", `{"mask":"40"}`).Code)
}

func TestPutProbesPlantFailure(t *testing.T) {
	planter := &nopPlanter{fail: map[string]error{"__sys_accept4": errors.New("rejected")}}
	s, reg := testServer(t, planter)

	w := doJSON(t, s.Handler(), http.MethodPut, "/api/probes", `{"mask":"3"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	// the connect bit installed before the accept failure stays
	assert.Equal(t, probes.TCPConnect.Bit(), reg.Active())
}

func TestOneProbeToggle(t *testing.T) {
	s, reg := testServer(t, &nopPlanter{})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPut, "/api/probes/udp_bind", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reg.Active().Has(probes.UDPBind))

	w = doJSON(t, h, http.MethodGet, "/api/probes/udp_bind", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)

	w = doJSON(t, h, http.MethodPut, "/api/probes/udp_bind", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, reg.Active().Has(probes.UDPBind))
}

func TestOneProbeUnknown(t *testing.T) {
	s, _ := testServer(t, &nopPlanter{})
	assert.Equal(t, http.StatusNotFound, doJSON(t, s.Handler(), http.MethodGet, "/api/probes/tcp_listen", "").Code)
}

func TestEventsEndpoint(t *testing.T) {
	s, _ := testServer(t, &nopPlanter{})
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/events?limit=10", "")

	require.Equal(t, http.StatusOK, w.Code)
	var rows []database.EventRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Empty(t, rows)
}

func TestWhitelistRoundTrip(t *testing.T) {
	s, _ := testServer(t, &nopPlanter{})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPut, "/api/whitelist", `{"rules":["/usr/sbin/sshd|p22"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/whitelist", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Rules []string `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"/usr/sbin/sshd|p22"}, resp.Rules)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPut, "/api/whitelist", `{"rules":["bad"]}`).Code)
}
