// Package dashboard provides an embedded web dashboard for a mirvm program.
//
// The dashboard provides:
// - Program overview: fingerprint, item counts and evaluator cache counters
// - Item browser for const items, statics, functions and externs
// - Const evaluation with the resulting value, bytes and backtraces on failure
// - Process metrics (memory, goroutines, uptime)
//
// Templates are compiled in as strings, so the binary stays self-contained.
// Every page is read-only: evaluating a const only fills the evaluator's
// cache.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// Config configures the dashboard HTTP server.
type Config struct {
	// Addr is the listen address. Default: "127.0.0.1:8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// FunctionInfo summarises one function body.
type FunctionInfo struct {
	Name   string
	Args   []string
	Return string
	Locals int
	Blocks int
}

// StaticInfo summarises one static item.
type StaticInfo struct {
	Name    string
	Type    string
	Mutable bool
	Extern  bool
}

// Catalog is the sorted listing of a program's items.
type Catalog struct {
	Consts    []string
	Statics   []StaticInfo
	Functions []FunctionInfo
	Externs   []string
}

// NewCatalog lists the items of p.
func NewCatalog(p *ir.Program) *Catalog {
	c := &Catalog{}
	for name := range p.Consts {
		c.Consts = append(c.Consts, name)
	}
	sort.Strings(c.Consts)

	for name, st := range p.Statics {
		c.Statics = append(c.Statics, StaticInfo{
			Name:    name,
			Type:    st.Ty.String(),
			Mutable: st.Mutable,
			Extern:  st.Init == nil,
		})
	}
	sort.Slice(c.Statics, func(i, j int) bool { return c.Statics[i].Name < c.Statics[j].Name })

	for _, fn := range p.FnNames() {
		body := p.Bodies[fn]
		info := FunctionInfo{
			Name:   string(fn),
			Return: body.ReturnTy().String(),
			Locals: len(body.Locals),
			Blocks: len(body.Blocks),
		}
		for i := 1; i <= body.ArgCount; i++ {
			info.Args = append(info.Args, body.Locals[i].Ty.String())
		}
		c.Functions = append(c.Functions, info)
	}

	for _, fn := range p.Externs {
		c.Externs = append(c.Externs, string(fn))
	}
	sort.Strings(c.Externs)
	return c
}

func (c *Catalog) hasConst(name string) bool {
	i := sort.SearchStrings(c.Consts, name)
	return i < len(c.Consts) && c.Consts[i] == name
}

func (c *Catalog) function(name string) (FunctionInfo, bool) {
	i := sort.Search(len(c.Functions), func(i int) bool { return c.Functions[i].Name >= name })
	if i < len(c.Functions) && c.Functions[i].Name == name {
		return c.Functions[i], true
	}
	return FunctionInfo{}, false
}

// Dashboard serves the program browser.
type Dashboard struct {
	config      Config
	logger      *log.Logger
	catalog     *Catalog
	eval        *consteval.Evaluator
	fingerprint types.Hash
	templates   *template.Template

	server  *http.Server
	running atomic.Bool
	started atomic.Int64 // unix nanos
}

// pages lists the page templates rendered inside the layout.
var pages = []struct{ name, text string }{
	{"layout", layoutTemplate},
	{"home", homeTemplate},
	{"items", itemsTemplate},
	{"const", constTemplate},
	{"function", functionTemplate},
}

// New creates a dashboard for prog, evaluating constants with eval.
func New(config Config, prog *ir.Program, eval *consteval.Evaluator, fingerprint types.Hash) (*Dashboard, error) {
	if prog == nil || eval == nil {
		return nil, errors.New("dashboard needs a program and an evaluator")
	}

	tmpl := template.New("").Funcs(template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"join":           strings.Join,
	})
	for _, p := range pages {
		if _, err := tmpl.New(p.name).Parse(p.text); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", p.name, err)
		}
	}

	d := &Dashboard{
		config:      config.withDefaults(),
		logger:      log.Default().WithPrefix("dashboard"),
		catalog:     NewCatalog(prog),
		eval:        eval,
		fingerprint: fingerprint,
		templates:   tmpl,
	}
	d.started.Store(time.Now().UnixNano())
	return d, nil
}

// Handler returns the HTTP handler serving pages and the JSON API.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/items", d.handleItems)
	mux.HandleFunc("/consts/", d.handleConst)
	mux.HandleFunc("/functions/", d.handleFunction)

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/items", d.handleAPIItems)
	mux.HandleFunc("/api/consts/", d.handleAPIConst)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)
	return mux
}

// Start serves until ctx is done.
func (d *Dashboard) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dashboard already running")
	}
	d.started.Store(time.Now().UnixNano())
	d.server = &http.Server{
		Addr:         d.config.Addr,
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.logger.Info("Dashboard starting", "addr", d.config.Addr, "consts", len(d.catalog.Consts), "functions", len(d.catalog.Functions))
	if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests in
// flight.
func (d *Dashboard) Stop() error {
	if !d.running.CompareAndSwap(true, false) || d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (d *Dashboard) Address() string { return d.config.Addr }

func (d *Dashboard) uptime() time.Duration {
	return time.Since(time.Unix(0, d.started.Load()))
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	d.renderPage(w, http.StatusOK, "home", d.getStatusData())
}

// handleItems renders the item browser.
func (d *Dashboard) handleItems(w http.ResponseWriter, r *http.Request) {
	d.renderPage(w, http.StatusOK, "items", d.catalog)
}

// handleConst evaluates a const item and renders the result.
func (d *Dashboard) handleConst(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/consts/")
	if name == "" {
		http.Redirect(w, r, "/items", http.StatusFound)
		return
	}
	res := d.evaluate(name)
	status := http.StatusOK
	if res.NotFound {
		status = http.StatusNotFound
	}
	d.renderPage(w, status, "const", res)
}

// handleFunction renders a function signature.
func (d *Dashboard) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/functions/")
	info, ok := d.catalog.function(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.renderPage(w, http.StatusOK, "function", info)
}

// ConstResult is the outcome of evaluating one const item.
type ConstResult struct {
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Display   string   `json:"display,omitempty"`
	Bytes     string   `json:"bytes,omitempty"`
	Relocs    int      `json:"relocations,omitempty"`
	ErrorKind string   `json:"errorKind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Backtrace []string `json:"backtrace,omitempty"`
	Duration  string   `json:"duration"`
	NotFound  bool     `json:"-"`
}

func (d *Dashboard) evaluate(name string) ConstResult {
	res := ConstResult{Name: name}
	if !d.catalog.hasConst(name) {
		res.NotFound = true
		res.Error = fmt.Sprintf("no const item %s", name)
		return res
	}

	start := time.Now()
	cv, err := d.eval.EvaluateItem(name)
	res.Duration = time.Since(start).String()
	if err != nil {
		res.Error = err.Error()
		var ee *interp.EvalError
		if errors.As(err, &ee) {
			res.ErrorKind = ee.Kind.String()
			for _, loc := range ee.Backtrace {
				res.Backtrace = append(res.Backtrace, loc.String())
			}
		}
		return res
	}

	res.Type = cv.Ty.String()
	res.Display = cv.String()
	if cv.Kind == interp.ConstIndirect {
		res.Bytes = bytesToHex(cv.Alloc.Bytes)
		res.Relocs = len(cv.Alloc.Relocs)
	}
	return res
}

// getStatusData collects the overview numbers.
func (d *Dashboard) getStatusData() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"Fingerprint": d.fingerprint.String(),
		"Consts":      len(d.catalog.Consts),
		"Statics":     len(d.catalog.Statics),
		"Functions":   len(d.catalog.Functions),
		"Externs":     len(d.catalog.Externs),
		"Stats":       d.eval.Stats(),
		"Uptime":      d.uptime(),
		"MemAlloc":    int64(mem.Alloc),
		"Goroutines":  runtime.NumGoroutine(),
	}
}

// renderPage renders page inside the layout. Nothing is written until the
// page has rendered, so a template failure still yields a clean 500.
func (d *Dashboard) renderPage(w http.ResponseWriter, status int, page string, data interface{}) {
	var content, out bytes.Buffer
	err := d.templates.ExecuteTemplate(&content, page, data)
	if err == nil {
		err = d.templates.ExecuteTemplate(&out, "layout", struct {
			PageName    string
			Fingerprint string
			Content     template.HTML
		}{page, d.fingerprint.Short(), template.HTML(content.String())})
	}
	if err != nil {
		d.logger.Error("Template failed", "page", page, "err", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	out.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// formatDuration renders d with its two most significant units.
func formatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	case secs < 86400:
		return fmt.Sprintf("%dh %dm", secs/3600, secs%3600/60)
	}
	return fmt.Sprintf("%dd %dh", secs/86400, secs%86400/3600)
}

// formatNumber abbreviates counters: 1234 becomes 1.2K.
func formatNumber(n interface{}) string {
	var v float64
	switch x := n.(type) {
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case uint64:
		v = float64(x)
	case float64:
		return fmt.Sprintf("%.2f", x)
	default:
		return fmt.Sprint(n)
	}
	for _, unit := range []struct {
		div    float64
		suffix string
	}{{1e9, "B"}, {1e6, "M"}, {1e3, "K"}} {
		if v >= unit.div {
			return fmt.Sprintf("%.1f%s", v/unit.div, unit.suffix)
		}
	}
	return fmt.Sprintf("%.0f", v)
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v, i := float64(n)/1024, 0
	for v >= 1024 && i < 5 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %cB", v, "KMGTPE"[i])
}
