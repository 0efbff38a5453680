// mirvm: abstract-machine interpreter for typed block IR
//
// mirvm loads a program (from JSON or from an IR store), evaluates const
// items, runs functions under the dynamic-analysis machine, or serves the
// constant evaluator over gRPC and JSON-RPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/internal/logger"
	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/analysis"
	"github.com/fortiblox/mirvm/pkg/constcache"
	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/dashboard"
	"github.com/fortiblox/mirvm/pkg/evalrpc"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/irstore"
	"github.com/fortiblox/mirvm/pkg/layout"
	"github.com/fortiblox/mirvm/pkg/rpc"
	"github.com/fortiblox/mirvm/pkg/rpcpool"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	programPath    = flag.String("program", "", "JSON program to load")
	storePath      = flag.String("store", "", "IR store database; with -program the program is imported into it")
	cacheDir       = flag.String("cache", "", "Directory for the persistent constant cache (empty = in-memory)")
	evalItems      = flag.String("eval", "", "Comma-separated const items to evaluate")
	runEntry       = flag.String("run", "", "Function to run under dynamic analysis")
	serveAddr      = flag.String("serve", "", "Serve the constant evaluator over gRPC on this address")
	rpcAddr        = flag.String("rpc", "", "Serve JSON-RPC on this address")
	dashboardPort  = flag.Int("dashboard", 0, "Serve the web dashboard on this localhost port (0 = disabled)")
	replicas       = flag.String("replicas", "", "Comma-separated JSON-RPC replicas to cross-check -eval results against")
	token          = flag.String("token", "", "Shared secret for -serve; supports ${VAR}")
	stepLimit      = flag.Uint64("step-limit", interp.DefaultStepLimit, "Step budget per session (0 = unlimited)")
	stackLimit     = flag.Int("stack-limit", interp.DefaultStackLimit, "Maximum call depth")
	memoryLimit    = flag.Uint64("memory-limit", interp.DefaultMemoryLimit, "Bytes of live memory per session (0 = unlimited)")
	overflowChecks = flag.Bool("overflow-checks", true, "Treat arithmetic overflow as an error under -run")
	logLevel       = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	noColor        = flag.Bool("no-color", false, "Disable colored log output")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mirvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	if err := logger.Init(*logLevel, *noColor); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(); err != nil {
		log.Fatal("mirvm failed", "err", err)
	}
}

func run() error {
	src, prog, namespace, closeSrc, err := loadSource()
	if err != nil {
		return err
	}
	defer closeSrc()

	store, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	limits := interp.Config{
		StepLimit:   *stepLimit,
		StackLimit:  *stackLimit,
		MemoryLimit: *memoryLimit,
	}
	env := consteval.SourceEnv(src, layout.NewTarget())

	ecfg := consteval.DefaultConfig()
	ecfg.Interp = limits
	ecfg.Store = store
	ecfg.Namespace = namespace
	eval, err := consteval.New(env, ecfg)
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}

	acfg := analysis.DefaultConfig()
	acfg.Interp = limits
	acfg.OverflowChecks = *overflowChecks
	an, err := analysis.New(env, eval, acfg)
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}

	failed := false
	if *evalItems != "" {
		pool := startReplicas(namespace)
		for _, name := range strings.Split(*evalItems, ",") {
			name = strings.TrimSpace(name)
			cv, err := eval.EvaluateItem(name)
			if err != nil {
				log.Error("Evaluation failed", "item", name, "err", err)
				failed = true
				continue
			}
			fmt.Printf("%s = %s\n", name, cv)
			if pool != nil && !crossCheck(pool, name, cv) {
				failed = true
			}
		}
		if pool != nil {
			pool.Stop()
		}
	}

	if *runEntry != "" {
		report, _ := an.Run(ir.FnRef(*runEntry))
		printReport(report)
		if !report.OK() {
			failed = true
		}
	}

	if *serveAddr != "" || *rpcAddr != "" || *dashboardPort != 0 {
		if err := serve(src, prog, eval, an, namespace); err != nil {
			return err
		}
	}

	if failed {
		return errors.New("one or more evaluations failed")
	}
	return nil
}

// loadSource returns the program to evaluate and its fingerprint. The
// decoded program is nil when it lives only in the IR store.
func loadSource() (consteval.Source, *ir.Program, types.Hash, func(), error) {
	noop := func() {}
	if *programPath == "" && *storePath == "" {
		return nil, nil, types.Hash{}, noop, fmt.Errorf("one of -program or -store is required")
	}

	var prog *ir.Program
	if *programPath != "" {
		f, err := os.Open(*programPath)
		if err != nil {
			return nil, nil, types.Hash{}, noop, err
		}
		defer f.Close()
		if prog, err = ir.LoadProgram(f); err != nil {
			return nil, nil, types.Hash{}, noop, fmt.Errorf("%s: %w", *programPath, err)
		}
	}

	if *storePath == "" {
		finger, err := consteval.Fingerprint(prog)
		if err != nil {
			return nil, nil, types.Hash{}, noop, err
		}
		log.Info("Loaded program", "path", *programPath, "functions", len(prog.Bodies), "fingerprint", finger.Short())
		return prog, prog, finger, noop, nil
	}

	cfg := irstore.DefaultConfig(*storePath)
	cfg.ReadOnly = prog == nil
	st, err := irstore.Open(cfg)
	if err != nil {
		return nil, nil, types.Hash{}, noop, fmt.Errorf("open IR store: %w", err)
	}
	closeStore := func() { st.Close() }
	if prog != nil {
		if err := st.Import(prog); err != nil {
			closeStore()
			return nil, nil, types.Hash{}, noop, err
		}
	}
	finger, err := st.Fingerprint()
	if err != nil {
		closeStore()
		return nil, nil, types.Hash{}, noop, err
	}
	stats, _ := st.GetStats()
	if stats != nil {
		log.Info("Opened IR store", "path", *storePath, "functions", stats.Bodies, "fingerprint", finger.Short())
	}
	return st, prog, finger, closeStore, nil
}

// startReplicas connects to the -replicas endpoints. Only replicas serving
// the same program fingerprint are used.
func startReplicas(finger types.Hash) *rpcpool.Pool {
	if *replicas == "" {
		return nil
	}
	pool := rpcpool.NewPool(finger.String())
	for _, url := range strings.Split(*replicas, ",") {
		if url = strings.TrimSpace(url); url != "" {
			pool.AddEndpoint(url)
		}
	}
	pool.SetOnHealthChange(func(url string, healthy bool, fingerprint string) {
		if !healthy {
			log.Warn("Replica unavailable", "url", url, "fingerprint", fingerprint)
		}
	})
	pool.Start(context.Background())
	log.Info("Replicas ready", "healthy", pool.HealthyCount(), "total", pool.TotalCount())
	return pool
}

// crossCheck compares a local result with a replica's rendering of the
// same item.
func crossCheck(pool *rpcpool.Pool, name string, cv *interp.ConstValue) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	remote, err := pool.EvaluateItem(ctx, name)
	if err != nil {
		log.Error("Replica evaluation failed", "item", name, "err", err)
		return false
	}
	if remote.Type != cv.Ty.String() || remote.Display != cv.String() {
		log.Error("Replica disagrees", "item", name, "local", cv, "remote", remote.Display)
		return false
	}
	return true
}

func openCache() (constcache.Store, error) {
	if *cacheDir == "" {
		return constcache.NewMemoryStore(), nil
	}
	store, err := constcache.OpenBadger(constcache.DefaultBadgerConfig(*cacheDir))
	if err != nil {
		return nil, fmt.Errorf("open constant cache: %w", err)
	}
	return store, nil
}

func printReport(r *analysis.Report) {
	if r.Err != nil {
		fmt.Printf("%s: error: %v\n", r.Entry, r.Err)
		var ee *interp.EvalError
		if errors.As(r.Err, &ee) {
			for _, loc := range ee.Backtrace {
				fmt.Printf("    at %s\n", loc)
			}
		}
	} else {
		fmt.Printf("%s = %s\n", r.Entry, r.Value)
	}
	fmt.Printf("  steps=%d max_depth=%d duration=%s\n", r.Steps, r.MaxDepth, r.Duration)
	for _, l := range r.Leaks {
		fmt.Printf("  leak: %d bytes at %#x\n", l.Size, l.Address)
	}
}

// serve runs the requested frontends until SIGINT or SIGTERM.
func serve(src consteval.Source, prog *ir.Program, eval *consteval.Evaluator, an *analysis.Analyzer, finger types.Hash) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var grpcSrv *evalrpc.Server
	if *serveAddr != "" {
		cfg := evalrpc.DefaultConfig()
		cfg.Address = *serveAddr
		cfg.Token = *token
		srv, err := evalrpc.NewServer(eval, cfg, log.Default())
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		grpcSrv = srv
	}

	rpcErr := make(chan error, 1)
	if *rpcAddr != "" {
		cfg := rpc.DefaultConfig()
		cfg.Addr = *rpcAddr
		cfg.Fingerprint = finger
		rpc.Version = Version
		srv := rpc.New(cfg, eval, an)
		go func() { rpcErr <- srv.Start(ctx) }()
	}

	dashErr := make(chan error, 1)
	if *dashboardPort != 0 {
		if prog == nil {
			st, ok := src.(*irstore.Store)
			if !ok {
				return errors.New("dashboard needs a program")
			}
			p, err := st.Export()
			if err != nil {
				return fmt.Errorf("export program: %w", err)
			}
			prog = p
		}
		cfg := dashboard.DefaultConfig()
		cfg.Addr = fmt.Sprintf("127.0.0.1:%d", *dashboardPort)
		d, err := dashboard.New(cfg, prog, eval, finger)
		if err != nil {
			return err
		}
		go func() { dashErr <- d.Start(ctx) }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-rpcErr:
	case err = <-dashErr:
	}
	log.Info("Shutting down")
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	return err
}
