// Package monitoring - stats.go exposes the counters over HTTP.
//
// GET /stats returns the structured metrics, GET /healthz returns "ok".
// Both are restricted to loopback callers.
package monitoring

import (
	"encoding/json"
	"net"
	"net/http"
)

// Handler returns an http.Handler serving /stats and /healthz.
func (mc *MetricsCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", mc.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (mc *MetricsCollector) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mc.FullStats())
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
