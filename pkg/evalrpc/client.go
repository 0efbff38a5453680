package evalrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// Client calls a remote evaluator.
type Client struct {
	config Config
	conn   *grpc.ClientConn
}

// Dial connects to the evaluator at config.Address.
func Dial(ctx context.Context, config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      config.ExpandedToken(),
			requireTLS: config.UseTLS,
		}))
	}
	if config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(config.Dialer))
	}

	//nolint:staticcheck // DialContext keeps compatibility with older gRPC versions
	conn, err := grpc.DialContext(ctx, config.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{config: config, conn: conn}, nil
}

// EvaluateItem evaluates a named const item of the served program.
func (c *Client) EvaluateItem(ctx context.Context, name string) (*EvaluateResponse, error) {
	return c.evaluate(ctx, &EvaluateRequest{Item: name})
}

// EvaluateBody evaluates an anonymous constant initializer.
func (c *Client) EvaluateBody(ctx context.Context, body *ir.Body) (*EvaluateResponse, error) {
	return c.evaluate(ctx, &EvaluateRequest{Body: body})
}

func (c *Client) evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	resp := new(EvaluateResponse)
	if err := c.conn.Invoke(ctx, methodEvaluate, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stats returns the remote evaluator's cache counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp := new(StatsResponse)
	if err := c.conn.Invoke(ctx, methodStats, &StatsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ErrorKind recovers the evaluation error kind from a status returned by
// Evaluate. ok is false for transport and request errors.
func ErrorKind(err error) (kind interp.ErrorKind, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus || err == nil {
		return 0, false
	}
	name, _, found := strings.Cut(st.Message(), ":")
	if !found {
		return 0, false
	}
	return interp.ParseErrorKind(name)
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		tokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
