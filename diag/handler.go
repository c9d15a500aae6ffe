// Package diag serves the driver's diagnostics over HTTP: statistics,
// registered plugins, memory accounting with a leak report, and pprof.
package diag

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/guileen/pgnd/driver"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/memory"
)

type Handler struct {
	lib           *driver.Library
	factory       *driver.Factory
	leakThreshold time.Duration
}

func NewHandler(lib *driver.Library, factory *driver.Factory, leakThreshold time.Duration) *Handler {
	return &Handler{
		lib:           lib,
		factory:       factory,
		leakThreshold: leakThreshold,
	}
}

// Router returns a chi router with every diagnostics route mounted
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/plugins", h.Plugins)
	r.Get("/memory", h.Memory)

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	r.Handle("/debug/pprof/block", pprof.Handler("block"))
	r.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
}

type StatsResponse struct {
	Generation  uint64           `json:"generation"`
	Initialized bool             `json:"initialized"`
	Stats       map[string]int64 `json:"stats"`
}

type PluginInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type PluginsResponse struct {
	Sealed  bool         `json:"sealed"`
	Plugins []PluginInfo `json:"plugins"`
}

type ContextInfo struct {
	Name       string         `json:"name"`
	Persistent bool           `json:"persistent"`
	Live       int            `json:"live"`
	LiveBytes  int64          `json:"live_bytes"`
	Limit      int64          `json:"limit"`
	LiveByKind map[string]int `json:"live_by_kind"`
	Leaks      int            `json:"leaks"`
	Allocated  uint64         `json:"allocated"`
	Freed      uint64         `json:"freed"`
	Failed     uint64         `json:"failed"`
	Reclaimed  uint64         `json:"reclaimed"`
}

type MemoryResponse struct {
	Durable       ContextInfo      `json:"durable"`
	Request       ContextInfo      `json:"request"`
	ScratchBuffer memory.PoolStats `json:"scratch_buffers"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	global := h.lib.GlobalStats()
	if global == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "driver library not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Generation:  h.lib.Generation(),
		Initialized: h.lib.Initialized(),
		Stats:       global.Snapshot(),
	})
}

func (h *Handler) Plugins(w http.ResponseWriter, r *http.Request) {
	reg := h.lib.Registry()
	resp := PluginsResponse{Sealed: reg.Sealed(), Plugins: []PluginInfo{}}
	for i, p := range reg.Plugins() {
		resp.Plugins = append(resp.Plugins, PluginInfo{ID: i, Name: p.Name(), Version: p.Version()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Memory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MemoryResponse{
		Durable:       h.contextInfo(h.factory.DurableContext()),
		Request:       h.contextInfo(h.factory.RequestContext()),
		ScratchBuffer: h.factory.BufferPool().Stats(),
	})
}

func (h *Handler) contextInfo(mc *memory.MemoryContext) ContextInfo {
	report := mc.CheckForLeaks(h.leakThreshold)
	byKind := make(map[string]int, len(report.LiveByKind))
	for k, n := range report.LiveByKind {
		byKind[k.String()] = n
	}
	st := mc.Stats()
	return ContextInfo{
		Name:       mc.Name(),
		Persistent: mc.Persistent(),
		Live:       mc.Live(),
		LiveBytes:  mc.LiveBytes(),
		Limit:      mc.Limit(),
		LiveByKind: byKind,
		Leaks:      report.TotalLeaks,
		Allocated:  st.AllocationCount,
		Freed:      st.DeallocationCount,
		Failed:     st.FailedCount,
		Reclaimed:  st.ReclaimedCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing diagnostics response", logger.ErrorField(err))
	}
}
