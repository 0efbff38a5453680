// Package rpc implements a JSON-RPC 2.0 server over the constant evaluator
// and the dynamic analyzer.
//
// Supported methods:
//   - Node: getHealth, getVersion, getFingerprint, getStats
//   - Evaluation: evaluateItem, evaluateBody, getConstField
//   - Analysis: runFunction
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/analysis"
	"github.com/fortiblox/mirvm/pkg/consteval"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	// Fingerprint identifies the served program in response contexts.
	Fingerprint types.Hash
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 4 * 1024 * 1024, // bodies can be large
		EnableCORS:     true,
		LogRequests:    false,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config  Config
	logger  *log.Logger
	origins map[string]bool

	eval     *consteval.Evaluator
	analyzer *analysis.Analyzer

	healthy atomic.Bool
	running atomic.Bool
	server  *http.Server

	handlers map[string]handlerFunc
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server. analyzer may be nil, in which case
// runFunction is not offered.
func New(config Config, eval *consteval.Evaluator, analyzer *analysis.Analyzer) *Server {
	s := &Server{
		config:   config,
		logger:   log.Default().WithPrefix("rpc"),
		eval:     eval,
		analyzer: analyzer,
		handlers: make(map[string]handlerFunc),
	}
	s.healthy.Store(true)

	if len(config.AllowedOrigins) > 0 {
		s.origins = make(map[string]bool, len(config.AllowedOrigins))
		for _, o := range config.AllowedOrigins {
			s.origins[o] = true
		}
	}

	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getFingerprint"] = s.getFingerprint
	s.handlers["getStats"] = s.getStats
	s.handlers["evaluateItem"] = s.evaluateItem
	s.handlers["evaluateBody"] = s.evaluateBody
	s.handlers["getConstField"] = s.getConstField
	if analyzer != nil {
		s.handlers["runFunction"] = s.runFunction
	}
	return s
}

// Handler returns the HTTP handler serving JSON-RPC requests.
func (s *Server) Handler() http.Handler {
	if !s.config.EnableCORS {
		return http.HandlerFunc(s.handleRPC)
	}
	return s.withCORS(http.HandlerFunc(s.handleRPC))
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("Server starting", "addr", s.config.Addr, "methods", len(s.handlers))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests in
// flight.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetHealthy sets the server health status reported by getHealth.
func (s *Server) SetHealthy(healthy bool) { s.healthy.Store(healthy) }

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool { return s.healthy.Load() }

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && (s.origins == nil || s.origins[origin] || s.origins["*"]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}
	body = bytes.TrimLeft(body, " \t\r\n")

	if len(body) == 0 || body[0] != '[' {
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
			return
		}
		s.reply(w, s.respond(req))
		return
	}

	var batch []Request
	if err := json.Unmarshal(body, &batch); err != nil {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}
	if len(batch) == 0 {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}
	out := make([]Response, len(batch))
	for i, req := range batch {
		out[i] = s.respond(req)
	}
	s.reply(w, out)
}

// respond runs one request and builds its response.
func (s *Server) respond(req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != JSONRPCVersion {
		resp.Error = ErrInvalidRequest
		return resp
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
		return resp
	}

	start := time.Now()
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	if s.config.LogRequests {
		s.logger.Info("Request", "method", req.Method, "id", req.ID, "took", time.Since(start), "failed", resp.Error != nil)
	}
	return resp
}

func (s *Server) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Writing response failed", "err", err)
	}
}
