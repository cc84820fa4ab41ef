package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/eventfabric/pkg/fabric"
	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

func newMux(f *fabric.Fabric) *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		f.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /debug/bus", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, f.Bus().Stats())
	})
	mux.HandleFunc("GET /debug/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, f.Breakers().Snapshots())
	})
	mux.HandleFunc("GET /debug/trails", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
				return
			}
			limit = n
		}
		top, err := f.Trails().TopPaths(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, top)
	})
	mux.HandleFunc("GET /debug/desire", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, f.Desire().All())
	})
	mux.HandleFunc("GET /debug/router", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Stats routing.RouterStats `json:"stats"`
			Edges []routing.Edge      `json:"edges"`
		}{f.Router().Stats(), f.Router().Edges()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
