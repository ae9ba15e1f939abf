package cmd

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/flotilla/internal/agent"
	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/health"
	"github.com/felixgeelhaar/flotilla/internal/hooks"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/version"
)

// services are the long-lived collaborators a command needs. Only the parts
// a command asks for are built.
type services struct {
	cc       *CommandContext
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store *approval.Store
	hooks *hooks.Registry
	git   integration.GitOps
}

func newServices(cc *CommandContext) *services {
	reg, m := metrics.NewProcessRegistry()
	return &services{cc: cc, registry: reg, metrics: m, git: integration.CLIGit{}}
}

func (s *services) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *services) Store() (*approval.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := approval.OpenStore(s.cc.Config.Store.Path, approval.WithStoreMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

func (s *services) Hooks() (*hooks.Registry, error) {
	if s.hooks != nil {
		return s.hooks, nil
	}
	exec := hooks.NewExecutor(hooks.WithLogger(s.cc.Logger), hooks.WithMetrics(s.metrics))
	reg := hooks.NewRegistry(exec)
	hooks.RegisterBuiltins(reg)
	if err := reg.Load(s.cc.Config.Hooks); err != nil {
		return nil, err
	}
	s.hooks = reg
	return reg, nil
}

func (s *services) Gate() (*approval.Gate, error) {
	store, err := s.Store()
	if err != nil {
		return nil, err
	}
	reg, err := s.Hooks()
	if err != nil {
		return nil, err
	}
	cfg := s.cc.Config.Approval
	return approval.NewGate(store,
		approval.WithPolicy(s.cc.Config.Policy()),
		approval.WithNotifier(&hooks.ApprovalNotifier{Registry: reg}),
		approval.WithNotifyTimeout(cfg.NotifyTimeout),
		approval.WithGateLogger(s.cc.Logger),
		approval.WithGateMetrics(s.metrics),
	), nil
}

func (s *services) Sweeper() (*approval.Sweeper, error) {
	store, err := s.Store()
	if err != nil {
		return nil, err
	}
	cfg := s.cc.Config.Approval
	return &approval.Sweeper{
		Store:            store,
		Interval:         cfg.SweepInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		RetentionDays:    cfg.RetentionDays,
		Logger:           s.cc.Logger,
	}, nil
}

func (s *services) Integration() (*integration.Manager, error) {
	cfg := s.cc.Config.Integration
	ledger, err := integration.NewLedger(cfg.LedgerDir)
	if err != nil {
		return nil, err
	}

	var reviews integration.ReviewRequester
	switch cfg.Reviews {
	case "github":
		reviews = integration.GitHubCLI{RepoPath: cfg.Repo, Remote: cfg.Remote, Git: s.git}
	default:
		reviews = &integration.LocalReviews{Dir: cfg.ReviewDir}
	}

	return integration.NewManager(integration.Config{
		RepoPath:     cfg.Repo,
		Trunk:        cfg.Trunk,
		BranchPrefix: cfg.BranchPrefix,
		WorktreeDir:  cfg.WorktreeDir,
	}, s.git, ledger, reviews,
		integration.WithLogger(s.cc.Logger),
		integration.WithMetrics(s.metrics),
	)
}

func (s *services) Runner() *agent.CommandRunner {
	cfg := s.cc.Config.Agent
	return &agent.CommandRunner{
		Git:          s.git,
		Repo:         s.cc.Config.Integration.Repo,
		WorktreeDir:  cfg.WorktreeDir,
		BranchPrefix: cfg.BranchPrefix,
		Command:      cfg.Command,
		Args:         cfg.Args,
		Timeout:      cfg.Timeout,
		Logger:       s.cc.Logger,
	}
}

// Probes builds the dependency checks of this configuration
func (s *services) Probes() *health.ProbeManager {
	cfg := s.cc.Config
	checks := []health.Checker{
		health.GitChecker{Repo: cfg.Integration.Repo},
		health.DirChecker{Label: "run-dir", Path: cfg.Executor.RunDir},
		health.DirChecker{Label: "ledger-dir", Path: cfg.Integration.LedgerDir},
		health.CommandChecker{Command: cfg.Agent.Command},
	}
	if store, err := s.Store(); err == nil {
		checks = append(checks, health.PingChecker{Label: "approval-store", Target: store})
	} else {
		checks = append(checks, health.CheckerFunc{CheckName: "approval-store", Fn: func(context.Context) *health.Result {
			return health.Unhealthy("cannot open").WithDetail("error", err.Error())
		}})
	}
	return health.NewProbeManager(version.GetInfo().Version, checks...)
}

// serveMetrics exposes the registry on addr until ctx is done. The returned
// channel yields the server's exit error.
func (s *services) serveMetrics(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(s.registry))
	probes := s.Probes()
	mux.Handle("/healthz", probes.LivenessHandler())
	mux.Handle("/readyz", probes.ReadinessHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		probes.MarkShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.cc.Logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr(), done, nil
}
