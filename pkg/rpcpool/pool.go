// Package rpcpool spreads JSON-RPC calls over a set of mirvm replicas.
//
// Every replica is expected to serve the same program. The pool
// health-checks each endpoint with one batched getHealth + getFingerprint
// request; endpoints that report a different program fingerprint, or that
// fail repeatedly, are excluded until they recover.
//
// Usage:
//
//	pool := rpcpool.NewPool(fingerprint.String())
//	pool.AddEndpoints([]string{"http://10.0.0.1:8899", "http://10.0.0.2:8899"})
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	info, err := pool.EvaluateItem(ctx, "ANSWER")
package rpcpool

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

var (
	ErrNoHealthyEndpoints  = errors.New("no healthy endpoints available")
	ErrPoolClosed          = errors.New("pool is closed")
	ErrFingerprintMismatch = errors.New("endpoint serves a different program")
)

const (
	DefaultMaxFailures       = 3
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

// endpoint is one replica. Its fields are written by health checks and
// calls concurrently, hence atomics.
type endpoint struct {
	url         string
	healthy     atomic.Bool
	checkedAt   atomic.Int64 // unix nanos
	failures    atomic.Int32
	fingerprint atomic.Pointer[string]
}

func (ep *endpoint) reportedFingerprint() string {
	if fp := ep.fingerprint.Load(); fp != nil {
		return *fp
	}
	return ""
}

// Pool manages a set of replica endpoints with health checking.
type Pool struct {
	// want is the program fingerprint every endpoint must serve. Empty
	// accepts any program.
	want   string
	logger *log.Logger

	// members is replaced wholesale on every change so readers can use a
	// snapshot without holding editMu.
	members atomic.Pointer[[]*endpoint]
	editMu  sync.Mutex
	cursor  atomic.Uint64

	period      time.Duration
	timeout     time.Duration
	maxFailures int32
	onChange    func(url string, healthy bool, fingerprint string)

	client *http.Client
	ids    atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// NewPool creates a pool for replicas serving the program with the given
// fingerprint. Endpoints are assumed healthy until checked.
func NewPool(fingerprint string) *Pool {
	p := &Pool{
		want:        fingerprint,
		logger:      log.Default().WithPrefix("rpcpool"),
		period:      DefaultHealthCheckPeriod,
		timeout:     DefaultRequestTimeout,
		maxFailures: DefaultMaxFailures,
		ctx:         context.Background(),
		client: &http.Client{
			Timeout: DefaultRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	p.members.Store(&[]*endpoint{})
	return p
}

// SetHealthCheckPeriod sets the interval between background checks. It
// must be called before Start.
func (p *Pool) SetHealthCheckPeriod(period time.Duration) { p.period = period }

// SetRequestTimeout bounds every request, health checks included. It must
// be called before Start.
func (p *Pool) SetRequestTimeout(timeout time.Duration) {
	p.timeout = timeout
	p.client.Timeout = timeout
}

// SetOnHealthChange registers a callback for endpoints entering or leaving
// rotation.
func (p *Pool) SetOnHealthChange(fn func(url string, healthy bool, fingerprint string)) {
	p.onChange = fn
}

func (p *Pool) snapshot() []*endpoint { return *p.members.Load() }

// edit applies fn to a copy of the member list and publishes the result.
func (p *Pool) edit(fn func([]*endpoint) []*endpoint) {
	p.editMu.Lock()
	defer p.editMu.Unlock()
	next := fn(slices.Clone(p.snapshot()))
	p.members.Store(&next)
}

// AddEndpoint adds url unless it is already a member.
func (p *Pool) AddEndpoint(url string) {
	p.edit(func(eps []*endpoint) []*endpoint {
		if slices.ContainsFunc(eps, func(ep *endpoint) bool { return ep.url == url }) {
			return eps
		}
		ep := &endpoint{url: url}
		ep.healthy.Store(true)
		return append(eps, ep)
	})
}

// AddEndpoints adds each of urls.
func (p *Pool) AddEndpoints(urls []string) {
	for _, url := range urls {
		p.AddEndpoint(url)
	}
}

// RemoveEndpoint drops url from the pool.
func (p *Pool) RemoveEndpoint(url string) {
	p.edit(func(eps []*endpoint) []*endpoint {
		return slices.DeleteFunc(eps, func(ep *endpoint) bool { return ep.url == url })
	})
}

func (p *Pool) healthy() ([]*endpoint, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	var out []*endpoint
	for _, ep := range p.snapshot() {
		if ep.healthy.Load() {
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoHealthyEndpoints
	}
	return out, nil
}

// GetHealthy returns a healthy endpoint URL, round robin.
func (p *Pool) GetHealthy() (string, error) {
	eps, err := p.healthy()
	if err != nil {
		return "", err
	}
	return eps[p.cursor.Add(1)%uint64(len(eps))].url, nil
}

// GetHealthyRandom returns a random healthy endpoint URL.
func (p *Pool) GetHealthyRandom() (string, error) {
	eps, err := p.healthy()
	if err != nil {
		return "", err
	}
	return eps[rand.Intn(len(eps))].url, nil
}

// HealthyCount returns the number of endpoints in rotation.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, ep := range p.snapshot() {
		if ep.healthy.Load() {
			n++
		}
	}
	return n
}

// TotalCount returns the number of endpoints, healthy or not.
func (p *Pool) TotalCount() int { return len(p.snapshot()) }

// Start checks every endpoint once, synchronously, then keeps checking in
// the background until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.performHealthCheck()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.performHealthCheck()
			}
		}
	}()
}

// Stop ends background checking. Calls made afterwards fail with
// ErrPoolClosed.
func (p *Pool) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// performHealthCheck checks every current member concurrently.
func (p *Pool) performHealthCheck() {
	var wg sync.WaitGroup
	for _, ep := range p.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.check(ep)
		}()
	}
	wg.Wait()
}

// check asks one endpoint for its health and program fingerprint.
func (p *Pool) check(ep *endpoint) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	ep.checkedAt.Store(time.Now().UnixNano())

	var fingerprint string
	answered, err := p.probe(ctx, ep.url, &fingerprint)
	switch {
	case !answered:
		p.logger.Debug("Health check failed", "url", ep.url, "err", err)
		p.recordFailure(ep)
		return
	case err != nil:
		// The replica is up but reports itself unhealthy.
		ep.failures.Store(0)
		p.setHealthy(ep, false)
		return
	}

	ep.failures.Store(0)
	ep.fingerprint.Store(&fingerprint)
	p.setHealthy(ep, p.accepts(fingerprint))
}

func (p *Pool) accepts(fingerprint string) bool {
	return p.want == "" || fingerprint == p.want
}

// recordFailure takes ep out of rotation after maxFailures consecutive
// transport failures.
func (p *Pool) recordFailure(ep *endpoint) {
	if ep.failures.Add(1) >= p.maxFailures {
		p.setHealthy(ep, false)
	}
}

func (p *Pool) setHealthy(ep *endpoint, healthy bool) {
	if ep.healthy.Swap(healthy) == healthy {
		return
	}
	p.logger.Info("Endpoint health changed", "url", ep.url, "healthy", healthy, "fingerprint", ep.reportedFingerprint())
	if p.onChange != nil {
		p.onChange(ep.url, healthy, ep.reportedFingerprint())
	}
}

// EndpointInfo describes one endpoint.
type EndpointInfo struct {
	URL         string
	Healthy     bool
	Fingerprint string
	LastCheck   time.Time
	FailCount   int
}

// EndpointStatus reports every endpoint in insertion order.
func (p *Pool) EndpointStatus() []EndpointInfo {
	eps := p.snapshot()
	infos := make([]EndpointInfo, len(eps))
	for i, ep := range eps {
		infos[i] = EndpointInfo{
			URL:         ep.url,
			Healthy:     ep.healthy.Load(),
			Fingerprint: ep.reportedFingerprint(),
			FailCount:   int(ep.failures.Load()),
		}
		if at := ep.checkedAt.Load(); at != 0 {
			infos[i].LastCheck = time.Unix(0, at)
		}
	}
	return infos
}
