package rpc

import (
	"encoding/json"
	"errors"

	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// Version is reported by getVersion.
var Version = "0.1.0"

var constKinds = map[interp.ConstValueKind]string{
	interp.ConstZST:         "zst",
	interp.ConstScalarValue: "scalar",
	interp.ConstPair:        "pair",
	interp.ConstIndirect:    "indirect",
}

// context returns the response context for the served program.
func (s *Server) context() Context {
	return Context{
		Fingerprint: s.config.Fingerprint.String(),
		APIVersion:  APIVersion,
	}
}

// parseArgs splits positional params. Missing params are an empty list.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("params must be an array")
	}
	return args, nil
}

// parseEncoding reads the optional {encoding} object at args[i].
func parseEncoding(args []json.RawMessage, i int) (Encoding, *RPCError) {
	if len(args) <= i {
		return EncodingBase64, nil
	}
	var cfg EncodingConfig
	if err := json.Unmarshal(args[i], &cfg); err != nil {
		return "", InvalidParamsError("invalid config object")
	}
	enc, err := ParseEncoding(string(cfg.Encoding))
	if err != nil {
		return "", InvalidParamsError(err.Error())
	}
	return enc, nil
}

func parseName(args []json.RawMessage, what string) (string, *RPCError) {
	if len(args) < 1 {
		return "", InvalidParamsErrorf("missing %s parameter", what)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return "", InvalidParamsErrorf("invalid %s", what)
	}
	return name, nil
}

// constInfo renders a constant for the wire.
func constInfo(cv *interp.ConstValue, enc Encoding) (*ConstInfo, error) {
	info := &ConstInfo{
		Type:    cv.Ty.String(),
		Kind:    constKinds[cv.Kind],
		Display: cv.String(),
	}
	scalar := func(sc interp.ConstScalar) string {
		if sc.Undef || sc.IsPtr() {
			return ""
		}
		return sc.Bits.Hex()
	}
	switch cv.Kind {
	case interp.ConstScalarValue:
		info.Scalars = []string{scalar(cv.A)}
	case interp.ConstPair:
		info.Scalars = []string{scalar(cv.A), scalar(cv.B)}
	case interp.ConstIndirect:
		data, err := EncodeData(cv.Alloc.Bytes, enc)
		if err != nil {
			return nil, err
		}
		info.Data = data
		info.Relocations = len(cv.Alloc.Relocs)
	}
	return info, nil
}

func (s *Server) checkHealthy() *RPCError {
	if !s.IsHealthy() {
		return ErrNodeUnhealthy
	}
	return nil
}

// getHealth returns "ok" while the node accepts evaluations.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealthy(); rpcErr != nil {
		return nil, rpcErr
	}
	return "ok", nil
}

// getVersion returns the server version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{Core: Version, APIVersion: APIVersion}, nil
}

// getFingerprint returns the fingerprint of the served program.
func (s *Server) getFingerprint(params json.RawMessage) (interface{}, *RPCError) {
	return s.config.Fingerprint.String(), nil
}

// getStats returns the evaluator's cache counters.
func (s *Server) getStats(params json.RawMessage) (interface{}, *RPCError) {
	st := s.eval.Stats()
	return ResponseWithContext{
		Context: s.context(),
		Value: CacheStats{
			Hits:       st.Hits,
			StoreHits:  st.StoreHits,
			Misses:     st.Misses,
			Failures:   st.Failures,
			StaticRuns: st.StaticRuns,
		},
	}, nil
}

// evaluateItem evaluates a named const item.
// Params: [name, {encoding}]
func (s *Server) evaluateItem(params json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealthy(); rpcErr != nil {
		return nil, rpcErr
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := parseName(args, "item name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}

	cv, err := s.eval.EvaluateItem(name)
	if err != nil {
		return nil, EvalError(err)
	}
	return s.wrapConst(cv, enc)
}

// evaluateBody evaluates an anonymous constant initializer.
// Params: [body, {encoding}]
func (s *Server) evaluateBody(params json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealthy(); rpcErr != nil {
		return nil, rpcErr
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing body parameter")
	}
	body := new(ir.Body)
	if err := json.Unmarshal(args[0], body); err != nil {
		return nil, InvalidParamsErrorf("invalid body: %v", err)
	}
	if err := body.Validate(); err != nil {
		return nil, InvalidParamsError(err.Error())
	}
	enc, rpcErr := parseEncoding(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}

	cv, err := s.eval.EvaluateConstant(body)
	if err != nil {
		return nil, EvalError(err)
	}
	return s.wrapConst(cv, enc)
}

// getConstField evaluates a const item and projects one field.
// Params: [name, index, {encoding}]
func (s *Server) getConstField(params json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealthy(); rpcErr != nil {
		return nil, rpcErr
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := parseName(args, "item name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 2 {
		return nil, InvalidParamsError("missing field index")
	}
	var index int
	if err := json.Unmarshal(args[1], &index); err != nil || index < 0 {
		return nil, InvalidParamsError("invalid field index")
	}
	enc, rpcErr := parseEncoding(args, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}

	cv, err := s.eval.EvaluateItem(name)
	if err != nil {
		return nil, EvalError(err)
	}
	field, err := s.eval.ConstField(cv, index)
	if err != nil {
		return nil, EvalError(err)
	}
	return s.wrapConst(field, enc)
}

func (s *Server) wrapConst(cv *interp.ConstValue, enc Encoding) (interface{}, *RPCError) {
	info, err := constInfo(cv, enc)
	if err != nil {
		return nil, InternalServerErrorf("encode constant: %v", err)
	}
	return ResponseWithContext{Context: s.context(), Value: info}, nil
}

// runFunction runs a nullary function under the analyzer. Evaluation
// failures are reported inside the result, not as RPC errors.
// Params: [name]
func (s *Server) runFunction(params json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealthy(); rpcErr != nil {
		return nil, rpcErr
	}
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := parseName(args, "function name")
	if rpcErr != nil {
		return nil, rpcErr
	}

	// Run always returns a report; its error is carried in report.Err.
	report, _ := s.analyzer.Run(ir.FnRef(name))
	if errors.Is(report.Err, ir.ErrNoBody) {
		return nil, InvalidParamsErrorf("unknown function %s", name)
	}

	result := RunResult{
		Entry:      string(report.Entry),
		Steps:      report.Steps,
		MaxDepth:   report.MaxDepth,
		DurationUs: report.Duration.Microseconds(),
	}
	if report.Err != nil {
		result.Error = EvalError(report.Err)
	} else if report.Value != nil {
		info, err := constInfo(report.Value, EncodingBase64)
		if err != nil {
			return nil, InternalServerErrorf("encode result: %v", err)
		}
		result.Value = info
	}
	for _, l := range report.Leaks {
		result.Leaks = append(result.Leaks, LeakInfo{Address: l.Address, Size: l.Size})
	}
	return ResponseWithContext{Context: s.context(), Value: result}, nil
}
