// Package evalrpc exposes a constant evaluator over gRPC.
//
// The service has no generated stubs: the service descriptor is written by
// hand and messages use a JSON codec, so the IR travels in the same form it
// is stored in.
package evalrpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

const (
	serviceName    = "mirvm.Evaluator"
	methodEvaluate = "/" + serviceName + "/Evaluate"
	methodStats    = "/" + serviceName + "/Stats"
)

// evaluatorService is the handler type checked by grpc.RegisterService.
type evaluatorService interface {
	evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
	stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*evaluatorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirvm/evaluator",
}

func evaluateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(EvaluateRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(evaluatorService).evaluate(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEvaluate}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(evaluatorService).evaluate(ctx, req.(*EvaluateRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(StatsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(evaluatorService).stats(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStats}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(evaluatorService).stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Server serves one Evaluator.
type Server struct {
	eval   *consteval.Evaluator
	config Config
	logger *log.Logger
	token  string

	grpc *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server for eval. A nil logger uses the default one.
func NewServer(eval *consteval.Evaluator, config Config, logger *log.Logger) (*Server, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		eval:   eval,
		config: config,
		logger: logger.WithPrefix("evalrpc"),
		token:  config.ExpandedToken(),
	}
	s.grpc = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.UnaryInterceptor(s.intercept),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error("Server stopped", "err", err)
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("Serving evaluator", "addr", lis.Addr().String(), "auth", s.token != "")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop waits for in-flight requests and shuts down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// intercept authenticates every call and logs failures.
func (s *Server) intercept(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.token != "" {
		md, _ := metadata.FromIncomingContext(ctx)
		got := md.Get(tokenHeader)
		if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(s.token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing token")
		}
	}
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("Request failed", "method", info.FullMethod, "code", status.Code(err), "err", err)
	}
	return resp, err
}

func (s *Server) evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	if err := req.validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	resp := &EvaluateResponse{}
	if req.Body != nil {
		h, err := s.eval.BodyHash(req.Body)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp.BodyHash = h.String()
	}

	type outcome struct {
		cv  *interp.ConstValue
		err error
	}
	// Sessions are bounded by the step limit, not by ctx; a cancelled
	// caller only stops waiting and the result still lands in the cache.
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if req.Body != nil {
			o.cv, o.err = s.eval.EvaluateConstant(req.Body)
		} else {
			o.cv, o.err = s.eval.EvaluateItem(req.Item)
		}
		done <- o
	}()

	select {
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case o := <-done:
		if o.err != nil {
			return nil, statusFromError(o.err)
		}
		resp.Value = NewValue(o.cv)
		return resp, nil
	}
}

func (s *Server) stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	st := s.eval.Stats()
	return &StatsResponse{
		Hits:       st.Hits,
		StoreHits:  st.StoreHits,
		Misses:     st.Misses,
		Failures:   st.Failures,
		StaticRuns: st.StaticRuns,
	}, nil
}

// statusCodes maps evaluation failures onto gRPC codes.
var statusCodes = map[interp.ErrorKind]codes.Code{
	interp.KindNotConst:          codes.FailedPrecondition,
	interp.KindNoImplementation:  codes.Unimplemented,
	interp.KindResourceExhausted: codes.ResourceExhausted,
	interp.KindLayoutError:       codes.InvalidArgument,
	interp.KindExecutionStuck:    codes.Aborted,
}

// statusFromError converts an evaluation error. The message is prefixed with
// the error kind so clients can recover it with ErrorKind.
func statusFromError(err error) error {
	var ee *interp.EvalError
	if errors.As(err, &ee) {
		code, ok := statusCodes[ee.Kind]
		if !ok {
			// Undefined behavior of the evaluated program.
			code = codes.InvalidArgument
		}
		return status.Errorf(code, "%s: %s", ee.Kind, ee.Error())
	}
	if errors.Is(err, ir.ErrNoItem) || errors.Is(err, ir.ErrNoBody) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
