package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fortiblox/mirvm/pkg/rpc"
)

const maxResponseSize = 16 << 20

// reply is a JSON-RPC response whose result is decoded later.
type reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpc.RPCError   `json:"error"`
}

func (r *reply) decode(method string, out interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (p *Pool) request(method string, params []interface{}) (rpc.Request, error) {
	req := rpc.Request{JSONRPC: rpc.JSONRPCVersion, ID: p.ids.Add(1), Method: method}
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return req, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// post sends payload to url and decodes the response body into out.
func (p *Pool) post(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// call performs one request against url. A server-side failure is
// returned as *rpc.RPCError.
func (p *Pool) call(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	req, err := p.request(method, params)
	if err != nil {
		return err
	}
	var r reply
	if err := p.post(ctx, url, req, &r); err != nil {
		return err
	}
	return r.decode(method, result)
}

// probe sends getHealth and getFingerprint as one batch. answered is false
// when the replica could not be reached at all.
func (p *Pool) probe(ctx context.Context, url string, fingerprint *string) (answered bool, err error) {
	health, err := p.request("getHealth", nil)
	if err != nil {
		return false, err
	}
	finger, err := p.request("getFingerprint", nil)
	if err != nil {
		return false, err
	}

	var replies []reply
	if err := p.post(ctx, url, []rpc.Request{health, finger}, &replies); err != nil {
		return false, err
	}
	byID := make(map[uint64]*reply, len(replies))
	for i := range replies {
		byID[replies[i].ID] = &replies[i]
	}
	h, f := byID[health.ID.(uint64)], byID[finger.ID.(uint64)]
	if h == nil || f == nil {
		return false, fmt.Errorf("%s: incomplete batch response", url)
	}
	if err := h.decode("getHealth", nil); err != nil {
		return true, err
	}
	return true, f.decode("getFingerprint", fingerprint)
}

// Call sends one JSON-RPC request to a healthy endpoint and decodes its
// result into result. Transport failures move on to the next healthy
// endpoint; an error returned by the server is returned as *rpc.RPCError.
func (p *Pool) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	_, err := p.do(ctx, method, params, result)
	return err
}

// do is Call that also reports the endpoint that answered.
func (p *Pool) do(ctx context.Context, method string, params []interface{}, result interface{}) (*endpoint, error) {
	eps, err := p.healthy()
	if err != nil {
		return nil, err
	}

	first := p.cursor.Add(1)
	var errs []error
	for i := range eps {
		ep := eps[(first+uint64(i))%uint64(len(eps))]
		err := p.call(ctx, ep.url, method, params, result)
		var rpcErr *rpc.RPCError
		if err == nil || errors.As(err, &rpcErr) {
			return ep, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.recordFailure(ep)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all %d endpoints failed: %w", len(eps), errors.Join(errs...))
}

// callWithContext is Call for methods whose result carries the program
// context. A result computed against another program is rejected and the
// endpoint that produced it taken out of rotation.
func (p *Pool) callWithContext(ctx context.Context, method string, params []interface{}, value interface{}) error {
	var res struct {
		Context rpc.Context     `json:"context"`
		Value   json.RawMessage `json:"value"`
	}
	ep, err := p.do(ctx, method, params, &res)
	if err != nil {
		return err
	}
	if got := res.Context.Fingerprint; !p.accepts(got) {
		ep.fingerprint.Store(&got)
		p.setHealthy(ep, false)
		return fmt.Errorf("%w: %s reports %s", ErrFingerprintMismatch, ep.url, got)
	}
	return json.Unmarshal(res.Value, value)
}

// EvaluateItem evaluates a named const item on a healthy replica.
func (p *Pool) EvaluateItem(ctx context.Context, name string) (*rpc.ConstInfo, error) {
	info := new(rpc.ConstInfo)
	if err := p.callWithContext(ctx, "evaluateItem", []interface{}{name}, info); err != nil {
		return nil, err
	}
	return info, nil
}

// RunFunction runs a function under the dynamic analyzer of a healthy
// replica.
func (p *Pool) RunFunction(ctx context.Context, name string) (*rpc.RunResult, error) {
	res := new(rpc.RunResult)
	if err := p.callWithContext(ctx, "runFunction", []interface{}{name}, res); err != nil {
		return nil, err
	}
	return res, nil
}
