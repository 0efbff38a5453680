package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

func valueConst(name string, ret ir.Ty, rv ir.Rvalue) *ir.Body {
	b := ir.NewBuilder(name, ret)
	b.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), rv))
	return b.Build()
}

func testProgram() *ir.Program {
	p := ir.NewProgram()
	p.AddConst("ANSWER", valueConst("ANSWER", ir.U64, ir.Use(ir.ConstUint(ir.U64, 42))))
	p.AddConst("OVF", valueConst("OVF", ir.U8, ir.Binary(ir.BinAdd, ir.ConstUint(ir.U8, 255), ir.ConstUint(ir.U8, 1))))
	p.AddConst("TABLE", valueConst("TABLE", ir.Array(ir.U32, 4), ir.Aggregate(ir.AggArray, ir.Array(ir.U32, 4),
		ir.ConstUint(ir.U32, 1), ir.ConstUint(ir.U32, 2), ir.ConstUint(ir.U32, 3), ir.ConstUint(ir.U32, 4))))

	add := ir.NewBuilder("add", ir.U32, ir.U32, ir.U32)
	add.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinAdd, ir.Copy(add.Arg(0)), ir.Copy(add.Arg(1)))))
	p.AddBody("add", add.Build())

	p.AddStatic(&ir.Static{Name: "LIMIT", Ty: ir.U32, Init: valueConst("LIMIT", ir.U32, ir.Use(ir.ConstUint(ir.U32, 7)))})
	p.Externs = append(p.Externs, "getpid")
	return p
}

func newTestDashboard(t *testing.T) *Dashboard {
	t.Helper()
	prog := testProgram()
	eval, err := consteval.New(consteval.ProgramEnv(prog, layout.NewTarget()), consteval.DefaultConfig())
	if err != nil {
		t.Fatalf("consteval.New() error = %v", err)
	}
	finger, err := consteval.Fingerprint(prog)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	d, err := New(Config{}, prog, eval, finger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func get(t *testing.T, h http.Handler, method, path string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestDashboardNew(t *testing.T) {
	d := newTestDashboard(t)
	if got := d.Address(); got != DefaultConfig().Addr {
		t.Errorf("Address() = %s, want defaults applied", got)
	}
	if d.templates == nil {
		t.Fatal("templates not parsed")
	}

	if _, err := New(Config{}, nil, nil, d.fingerprint); err == nil {
		t.Error("New() without a program should fail")
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(testProgram())

	if want := []string{"ANSWER", "OVF", "TABLE"}; strings.Join(c.Consts, ",") != strings.Join(want, ",") {
		t.Errorf("Consts = %v, want %v", c.Consts, want)
	}
	if len(c.Statics) != 1 || c.Statics[0].Name != "LIMIT" || c.Statics[0].Extern {
		t.Errorf("Statics = %+v", c.Statics)
	}
	fn, ok := c.function("add")
	if !ok {
		t.Fatal("function(add) not found")
	}
	if len(fn.Args) != 2 || fn.Args[0] != ir.U32.String() || fn.Return != ir.U32.String() {
		t.Errorf("add = %+v", fn)
	}
	if _, ok := c.function("sub"); ok {
		t.Error("function(sub) found")
	}
	if !c.hasConst("OVF") || c.hasConst("NOPE") {
		t.Error("hasConst mismatch")
	}
	if len(c.Externs) != 1 || c.Externs[0] != "getpid" {
		t.Errorf("Externs = %v", c.Externs)
	}
}

func TestPages(t *testing.T) {
	d := newTestDashboard(t)
	h := d.Handler()

	tests := []struct {
		path     string
		status   int
		contains []string
	}{
		{"/", http.StatusOK, []string{"mirvm", d.fingerprint.String(), "Cache hits"}},
		{"/items", http.StatusOK, []string{"/consts/ANSWER", "/functions/add", "LIMIT", "getpid"}},
		{"/consts/ANSWER", http.StatusOK, []string{"const ANSWER", "42"}},
		{"/consts/TABLE", http.StatusOK, []string{"Bytes", "01000000"}},
		{"/consts/OVF", http.StatusOK, []string{"Overflow", "at OVF"}},
		{"/consts/NOPE", http.StatusNotFound, []string{"no const item NOPE"}},
		{"/functions/add", http.StatusOK, []string{"fn add", "Basic blocks"}},
		{"/functions/sub", http.StatusNotFound, nil},
		{"/missing", http.StatusNotFound, nil},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, body := get(t, h, http.MethodGet, tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			for _, s := range tc.contains {
				if !strings.Contains(body, s) {
					t.Errorf("body missing %q", s)
				}
			}
		})
	}
}

func TestConstRedirect(t *testing.T) {
	d := newTestDashboard(t)
	resp, _ := get(t, d.Handler(), http.MethodGet, "/consts/")
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	d := newTestDashboard(t)
	h := d.Handler()

	// Warm the cache so the counters move.
	get(t, h, http.MethodGet, "/api/consts/ANSWER")
	get(t, h, http.MethodGet, "/api/consts/ANSWER")

	resp, body := get(t, h, http.MethodGet, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var status StatusResponse
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Fingerprint != d.fingerprint.String() {
		t.Errorf("Fingerprint = %s, want %s", status.Fingerprint, d.fingerprint)
	}
	if status.Consts != 3 || status.Functions != 1 || status.Statics != 1 || status.Externs != 1 {
		t.Errorf("counts = %+v", status)
	}
	if status.Cache.Misses != 1 || status.Cache.Hits != 1 {
		t.Errorf("Cache = %+v, want one miss and one hit", status.Cache)
	}
}

func TestAPIItemsEndpoint(t *testing.T) {
	d := newTestDashboard(t)
	resp, body := get(t, d.Handler(), http.MethodGet, "/api/items")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var items ItemsResponse
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items.Consts) != 3 || len(items.Functions) != 1 || items.Functions[0].Name != "add" {
		t.Errorf("items = %+v", items)
	}
}

func TestAPIConstEndpoint(t *testing.T) {
	d := newTestDashboard(t)
	h := d.Handler()

	tests := []struct {
		name      string
		path      string
		status    int
		display   string
		errorKind string
	}{
		{"value", "/api/consts/ANSWER", http.StatusOK, "42", ""},
		{"failure", "/api/consts/OVF", http.StatusUnprocessableEntity, "", "Overflow"},
		{"unknown", "/api/consts/NOPE", http.StatusNotFound, "", ""},
		{"missing name", "/api/consts/", http.StatusBadRequest, "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := get(t, h, http.MethodGet, tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tc.status, body)
			}
			var res ConstResult
			if err := json.Unmarshal([]byte(body), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Display != tc.display {
				t.Errorf("display = %q, want %q", res.Display, tc.display)
			}
			if res.ErrorKind != tc.errorKind {
				t.Errorf("errorKind = %q, want %q", res.ErrorKind, tc.errorKind)
			}
			if tc.errorKind != "" && len(res.Backtrace) == 0 {
				t.Error("failure without a backtrace")
			}
		})
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	d := newTestDashboard(t)
	resp, body := get(t, d.Handler(), http.MethodGet, "/api/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var metrics MetricsResponse
	if err := json.Unmarshal([]byte(body), &metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if metrics.NumGoroutine == 0 || metrics.NumCPU == 0 || metrics.GoVersion == "" {
		t.Errorf("runtime metrics missing: %+v", metrics)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	d := newTestDashboard(t)
	h := d.Handler()

	for _, path := range []string{"/api/status", "/api/items", "/api/consts/ANSWER", "/api/metrics"} {
		resp, _ := get(t, h, http.MethodPost, path)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want %d", path, resp.StatusCode, http.StatusMethodNotAllowed)
		}
	}
}

func TestTemplateHelpers(t *testing.T) {
	durations := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tc := range durations {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tc.d, got, tc.want)
		}
	}

	if got := formatNumber(uint64(1000)); got != "1.0K" {
		t.Errorf("formatNumber(1000) = %s", got)
	}
	if got := formatNumber(1500000); got != "1.5M" {
		t.Errorf("formatNumber(1500000) = %s", got)
	}
	if got := formatBytes(1048576); got != "1.0 MB" {
		t.Errorf("formatBytes(1048576) = %s", got)
	}
	if got := formatNumber(999); got != "999" {
		t.Errorf("formatNumber(999) = %s", got)
	}
	if got := bytesToHex(make([]byte, 300)); !strings.HasSuffix(got, "...") || len(got) != 512+3 {
		t.Errorf("bytesToHex() did not truncate: %d chars", len(got))
	}
}
