package dashboard

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/fortiblox/mirvm/pkg/consteval"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Fingerprint   string          `json:"fingerprint"`
	Consts        int             `json:"consts"`
	Statics       int             `json:"statics"`
	Functions     int             `json:"functions"`
	Externs       int             `json:"externs"`
	Cache         consteval.Stats `json:"cache"`
	Uptime        string          `json:"uptime"`
	UptimeSeconds float64         `json:"uptimeSeconds"`
}

// ItemsResponse is the response for GET /api/items.
type ItemsResponse struct {
	Consts    []string       `json:"consts"`
	Statics   []StaticInfo   `json:"statics"`
	Functions []FunctionInfo `json:"functions"`
	Externs   []string       `json:"externs"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	// Memory stats
	MemAlloc      uint64 `json:"memAlloc"`
	MemTotalAlloc uint64 `json:"memTotalAlloc"`
	MemSys        uint64 `json:"memSys"`
	MemHeapInuse  uint64 `json:"memHeapInuse"`
	MemHeapIdle   uint64 `json:"memHeapIdle"`
	NumGC         uint32 `json:"numGC"`

	// Runtime stats
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	// Evaluator stats
	CacheHits      uint64  `json:"cacheHits"`
	CacheStoreHits uint64  `json:"cacheStoreHits"`
	CacheMisses    uint64  `json:"cacheMisses"`
	CacheFailures  uint64  `json:"cacheFailures"`
	StaticRuns     uint64  `json:"staticRuns"`
	Uptime         float64 `json:"uptimeSeconds"`
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := d.getStatusData()
	uptime, _ := data["Uptime"].(time.Duration)
	stats, _ := data["Stats"].(consteval.Stats)

	writeJSON(w, StatusResponse{
		Fingerprint:   d.fingerprint.String(),
		Consts:        len(d.catalog.Consts),
		Statics:       len(d.catalog.Statics),
		Functions:     len(d.catalog.Functions),
		Externs:       len(d.catalog.Externs),
		Cache:         stats,
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
	})
}

// handleAPIItems handles GET /api/items.
func (d *Dashboard) handleAPIItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, ItemsResponse{
		Consts:    nonNil(d.catalog.Consts),
		Statics:   d.catalog.Statics,
		Functions: d.catalog.Functions,
		Externs:   nonNil(d.catalog.Externs),
	})
}

// handleAPIConst handles GET /api/consts/:name. Evaluation failures are
// reported in the body with status 422.
func (d *Dashboard) handleAPIConst(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/consts/")
	if name == "" {
		writeError(w, "Missing const name", http.StatusBadRequest)
		return
	}

	res := d.evaluate(name)
	switch {
	case res.NotFound:
		writeError(w, res.Error, http.StatusNotFound)
		return
	case res.Error != "":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSONPretty(w, res)
		return
	}
	writeJSON(w, res)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := MetricsResponse{
		MemAlloc:      memStats.Alloc,
		MemTotalAlloc: memStats.TotalAlloc,
		MemSys:        memStats.Sys,
		MemHeapInuse:  memStats.HeapInuse,
		MemHeapIdle:   memStats.HeapIdle,
		NumGC:         memStats.NumGC,

		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	stats := d.eval.Stats()
	resp.CacheHits = stats.Hits
	resp.CacheStoreHits = stats.StoreHits
	resp.CacheMisses = stats.Misses
	resp.CacheFailures = stats.Failures
	resp.StaticRuns = stats.StaticRuns

	resp.Uptime = d.uptime().Seconds()

	writeJSON(w, resp)
}

// Helper functions

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func bytesToHex(data []byte) string {
	if len(data) > 256 {
		return hex.EncodeToString(data[:256]) + "..."
	}
	return hex.EncodeToString(data)
}

func writeJSONPretty(w http.ResponseWriter, data interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
