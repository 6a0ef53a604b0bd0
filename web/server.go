// Package web is the administrative surface: probe mask get/set, per-probe
// toggles, the whitelist, and recent audit records.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"netaudit/database"
	"netaudit/probes"
	"netaudit/whitelist"
)

// Server exposes the admin API over HTTP.
type Server struct {
	reg *probes.Registry
	db  *database.DB
	wl  *whitelist.List
	log *zap.Logger
}

func NewServer(reg *probes.Registry, db *database.DB, wl *whitelist.List, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{reg: reg, db: db, wl: wl, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/probes", s.logged(s.handleProbes))
	mux.HandleFunc("/api/probes/", s.logged(s.handleOneProbe))
	mux.HandleFunc("/api/events", s.logged(s.handleEvents))
	mux.HandleFunc("/api/whitelist", s.logged(s.handleWhitelist))
	return mux
}

// ListenAndServe runs the admin API until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("admin API listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("admin request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		h(w, r)
	}
}

type maskPayload struct {
	Mask string `json:"mask"`
}

type probesResponse struct {
	Mask   string          `json:"mask"`
	Probes map[string]bool `json:"probes"`
}

func (s *Server) writeProbes(w http.ResponseWriter) {
	active := s.reg.Active()
	resp := probesResponse{Mask: active.Hex(), Probes: make(map[string]bool)}
	for k := probes.TCPConnect; k <= probes.UDPClose; k++ {
		resp.Probes[k.String()] = active.Has(k)
	}
	writeJSON(w, resp)
}

// handleProbes is the hex-mask parameter: GET returns the active mask, PUT
// reconciles toward the requested one.
func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeProbes(w)
	case http.MethodPut, http.MethodPost:
		var req maskPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		mask, err := probes.ParseMask(req.Mask)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.reg.Reconcile(mask); err != nil {
			s.probeError(w, err)
			return
		}
		s.writeProbes(w)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type probePayload struct {
	Enabled bool `json:"enabled"`
}

// handleOneProbe is the per-probe boolean parameter.
func (s *Server) handleOneProbe(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/probes/")
	kind, ok := probes.KindByName(name)
	if !ok {
		http.Error(w, "unknown probe "+name, http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, probePayload{Enabled: s.reg.Active().Has(kind)})
	case http.MethodPut, http.MethodPost:
		var req probePayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.reg.SetProbe(kind, req.Enabled); err != nil {
			s.probeError(w, err)
			return
		}
		writeJSON(w, probePayload{Enabled: s.reg.Active().Has(kind)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// probeError maps installation failures: the request was valid, the platform
// rejected the hook.
func (s *Server) probeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, probes.ErrConnectProbe),
		errors.Is(err, probes.ErrAcceptProbe),
		errors.Is(err, probes.ErrCloseProbe),
		errors.Is(err, probes.ErrBindProbe):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.db.RecentEvents(limit)
	if err != nil {
		s.log.Warn("event query failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []database.EventRow{}
	}
	writeJSON(w, rows)
}

type whitelistPayload struct {
	Rules []string `json:"rules"`
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules := s.wl.Dump()
		if rules == nil {
			rules = []string{}
		}
		writeJSON(w, whitelistPayload{Rules: rules})
	case http.MethodPut, http.MethodPost:
		var req whitelistPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.wl.SetRules(req.Rules); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, whitelistPayload{Rules: s.wl.Dump()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
