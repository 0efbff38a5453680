package rpcpool

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/analysis"
	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
	"github.com/fortiblox/mirvm/pkg/rpc"
)

func valueBody(name string, ret ir.Ty, v uint64) *ir.Body {
	b := ir.NewBuilder(name, ret)
	b.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.ConstUint(ret, v))))
	return b.Build()
}

// testProgram returns a program whose ANSWER is answer.
func testProgram(answer uint64) *ir.Program {
	p := ir.NewProgram()
	p.AddConst("ANSWER", valueBody("ANSWER", ir.U64, answer))
	p.AddBody("seven", valueBody("seven", ir.U32, 7))
	return p
}

type replica struct {
	server      *httptest.Server
	rpc         *rpc.Server
	fingerprint types.Hash
}

// newReplica serves prog over JSON-RPC on a test HTTP server.
func newReplica(t *testing.T, prog *ir.Program) *replica {
	t.Helper()
	env := consteval.ProgramEnv(prog, layout.NewTarget())
	eval, err := consteval.New(env, consteval.DefaultConfig())
	if err != nil {
		t.Fatalf("consteval.New() error = %v", err)
	}
	an, err := analysis.New(env, eval, analysis.DefaultConfig())
	if err != nil {
		t.Fatalf("analysis.New() error = %v", err)
	}
	finger, err := consteval.Fingerprint(prog)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	cfg := rpc.DefaultConfig()
	cfg.Fingerprint = finger
	srv := rpc.New(cfg, eval, an)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &replica{server: ts, rpc: srv, fingerprint: finger}
}

func startPool(t *testing.T, fingerprint string, urls ...string) *Pool {
	t.Helper()
	pool := NewPool(fingerprint)
	pool.SetHealthCheckPeriod(time.Hour)
	pool.SetRequestTimeout(2 * time.Second)
	pool.AddEndpoints(urls)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return pool
}

func TestAddRemoveEndpoint(t *testing.T) {
	pool := NewPool("")
	pool.AddEndpoint("http://a")
	pool.AddEndpoint("http://a")
	pool.AddEndpoints([]string{"http://b", "http://c"})
	if got := pool.TotalCount(); got != 3 {
		t.Fatalf("TotalCount() = %d, want 3", got)
	}
	if got := pool.HealthyCount(); got != 3 {
		t.Errorf("HealthyCount() = %d, want 3 before any check", got)
	}

	pool.RemoveEndpoint("http://b")
	pool.RemoveEndpoint("http://missing")
	if got := pool.TotalCount(); got != 2 {
		t.Errorf("TotalCount() = %d, want 2", got)
	}
}

func TestGetHealthyRoundRobin(t *testing.T) {
	pool := NewPool("")
	if _, err := pool.GetHealthy(); !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Fatalf("GetHealthy() on empty pool error = %v, want %v", err, ErrNoHealthyEndpoints)
	}

	pool.AddEndpoints([]string{"http://a", "http://b"})
	seen := make(map[string]int)
	for i := 0; i < 10; i++ {
		url, err := pool.GetHealthy()
		if err != nil {
			t.Fatalf("GetHealthy() error = %v", err)
		}
		seen[url]++
	}
	if seen["http://a"] != 5 || seen["http://b"] != 5 {
		t.Errorf("round robin distribution = %v", seen)
	}

	if url, err := pool.GetHealthyRandom(); err != nil || (url != "http://a" && url != "http://b") {
		t.Errorf("GetHealthyRandom() = %q, %v", url, err)
	}
}

func TestHealthCheckFingerprint(t *testing.T) {
	good := newReplica(t, testProgram(42))
	twin := newReplica(t, testProgram(42))
	stale := newReplica(t, testProgram(41))
	if good.fingerprint != twin.fingerprint || good.fingerprint == stale.fingerprint {
		t.Fatal("fingerprints do not follow program contents")
	}

	var mu sync.Mutex
	changes := make(map[string]bool)
	pool := NewPool(good.fingerprint.String())
	pool.SetHealthCheckPeriod(time.Hour)
	pool.SetOnHealthChange(func(url string, healthy bool, fingerprint string) {
		mu.Lock()
		changes[url] = healthy
		mu.Unlock()
	})
	pool.AddEndpoints([]string{good.server.URL, twin.server.URL, stale.server.URL})
	pool.Start(context.Background())
	defer pool.Stop()

	if got := pool.HealthyCount(); got != 2 {
		t.Fatalf("HealthyCount() = %d, want 2", got)
	}
	mu.Lock()
	if healthy, ok := changes[stale.server.URL]; !ok || healthy {
		t.Errorf("stale replica change = %v, %v; want reported unhealthy", healthy, ok)
	}
	mu.Unlock()

	for _, info := range pool.EndpointStatus() {
		want := good.fingerprint.String()
		if info.URL == stale.server.URL {
			want = stale.fingerprint.String()
		}
		if info.Fingerprint != want {
			t.Errorf("%s fingerprint = %s, want %s", info.URL, info.Fingerprint, want)
		}
		if info.LastCheck.IsZero() {
			t.Errorf("%s was never checked", info.URL)
		}
	}

	// Every call lands on a replica serving the expected program.
	for i := 0; i < 6; i++ {
		info, err := pool.EvaluateItem(context.Background(), "ANSWER")
		if err != nil {
			t.Fatalf("EvaluateItem() error = %v", err)
		}
		if info.Display != "42" {
			t.Fatalf("ANSWER = %s, want 42", info.Display)
		}
	}
}

func TestHealthCheckUnhealthyNode(t *testing.T) {
	r := newReplica(t, testProgram(42))
	r.rpc.SetHealthy(false)

	pool := startPool(t, "", r.server.URL)
	if got := pool.HealthyCount(); got != 0 {
		t.Fatalf("HealthyCount() = %d, want 0", got)
	}

	r.rpc.SetHealthy(true)
	pool.performHealthCheck()
	if got := pool.HealthyCount(); got != 1 {
		t.Errorf("HealthyCount() after recovery = %d, want 1", got)
	}
}

func TestHealthCheckFailure(t *testing.T) {
	r := newReplica(t, testProgram(42))
	pool := startPool(t, "", r.server.URL)
	r.server.Close()

	for i := 1; i < DefaultMaxFailures; i++ {
		pool.performHealthCheck()
		if pool.HealthyCount() != 1 {
			t.Fatalf("endpoint marked unhealthy after %d failures", i)
		}
	}
	pool.performHealthCheck()
	if pool.HealthyCount() != 0 {
		t.Errorf("endpoint still healthy after %d failures", DefaultMaxFailures)
	}
	if got := pool.EndpointStatus()[0].FailCount; got != DefaultMaxFailures {
		t.Errorf("FailCount = %d, want %d", got, DefaultMaxFailures)
	}
}

func TestCallFailover(t *testing.T) {
	dead := newReplica(t, testProgram(42))
	live := newReplica(t, testProgram(42))

	pool := NewPool(live.fingerprint.String())
	pool.SetRequestTimeout(2 * time.Second)
	pool.AddEndpoints([]string{dead.server.URL, live.server.URL})
	dead.server.Close()

	for i := 0; i < 4; i++ {
		res, err := pool.RunFunction(context.Background(), "seven")
		if err != nil {
			t.Fatalf("RunFunction() error = %v", err)
		}
		if res.Value == nil || res.Value.Display != "7" {
			t.Fatalf("seven = %+v", res)
		}
	}
}

func TestCallErrors(t *testing.T) {
	r := newReplica(t, testProgram(42))
	pool := startPool(t, r.fingerprint.String(), r.server.URL)

	_, err := pool.EvaluateItem(context.Background(), "NOPE")
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.EvaluationFailed {
		t.Fatalf("EvaluateItem(NOPE) error = %v, want EvaluationFailed", err)
	}
	// Server errors do not count against the endpoint.
	if pool.HealthyCount() != 1 {
		t.Error("endpoint marked unhealthy after a server error")
	}

	err = pool.Call(context.Background(), "noSuchMethod", nil, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.MethodNotFound {
		t.Errorf("Call(noSuchMethod) error = %v, want MethodNotFound", err)
	}

	var version rpc.VersionInfo
	if err := pool.Call(context.Background(), "getVersion", nil, &version); err != nil || version.Core != rpc.Version {
		t.Errorf("getVersion = %+v, %v", version, err)
	}
}

func TestFingerprintMismatchOnCall(t *testing.T) {
	r := newReplica(t, testProgram(41))
	// Not started: the endpoint is only discovered to be stale on use.
	pool := NewPool(newReplica(t, testProgram(42)).fingerprint.String())
	pool.AddEndpoint(r.server.URL)

	_, err := pool.EvaluateItem(context.Background(), "ANSWER")
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("EvaluateItem() error = %v, want %v", err, ErrFingerprintMismatch)
	}
	if pool.HealthyCount() != 0 {
		t.Error("stale endpoint left in rotation")
	}
	if _, err := pool.EvaluateItem(context.Background(), "ANSWER"); !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Errorf("second EvaluateItem() error = %v, want %v", err, ErrNoHealthyEndpoints)
	}
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool("")
	pool.AddEndpoint("http://a")
	pool.Stop()
	pool.Stop()

	if _, err := pool.GetHealthy(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("GetHealthy() error = %v, want %v", err, ErrPoolClosed)
	}
	if err := pool.Call(context.Background(), "getHealth", nil, nil); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Call() error = %v, want %v", err, ErrPoolClosed)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := newReplica(t, testProgram(42))
	pool := startPool(t, r.fingerprint.String(), r.server.URL)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				pool.AddEndpoint(r.server.URL)
			case 1:
				pool.EndpointStatus()
			case 2:
				pool.performHealthCheck()
			default:
				if _, err := pool.EvaluateItem(context.Background(), "ANSWER"); err != nil {
					failures.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d concurrent evaluations failed", failures.Load())
	}
	if pool.TotalCount() != 1 {
		t.Errorf("TotalCount() = %d, want 1", pool.TotalCount())
	}
}
