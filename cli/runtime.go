package cli

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/node/builtin"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/sandbox"
	"github.com/flowmesh/flowmesh/engine/scheduler"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/engine/stream"
	"github.com/flowmesh/flowmesh/engine/worker"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// runtime bundles the wired collaborators a command runs with.
type runtime struct {
	config   *config.Config
	redis    redis.UniversalClient
	repo     store.Repository
	source   *workflow.StaticSource
	registry *node.Registry
	queue    queue.Service
	engine   *scheduler.Engine
	broker   *stream.Broker
	hub      *execution.CancelHub
	worker   *worker.Worker
	cleanups []func()
}

func (r *runtime) close() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
}

func buildRuntime(ctx context.Context, workflowDir string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	r := &runtime{config: cfg}

	r.redis, err = newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	r.cleanups = append(r.cleanups, func() { _ = r.redis.Close() })
	if err := r.redis.Ping(ctx).Err(); err != nil {
		r.close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	if cfg.Database.ConnString != "" {
		repo, closeRepo, err := store.Connect(ctx, cfg.Database.ConnString)
		if err != nil {
			r.close()
			return nil, err
		}
		r.repo = repo
		r.cleanups = append(r.cleanups, closeRepo)
	} else {
		logger.FromContext(ctx).Warn("no database configured, execution records are in-memory only")
		r.repo = store.NewMemoryRepo()
	}

	r.source, err = loadWorkflows(ctx, workflowDir)
	if err != nil {
		r.close()
		return nil, err
	}

	r.registry = node.NewRegistry()
	runner := sandbox.NewManager(
		sandbox.WithRuntime(cfg.Sandbox.Runtime),
		sandbox.WithDefaultLimits(sandbox.Limits{
			Timeout: cfg.Sandbox.Timeout,
			Memory:  cfg.Sandbox.MemoryLimit,
		}),
	)
	limits := sandbox.Limits{Timeout: cfg.Sandbox.Timeout, Memory: cfg.Sandbox.MemoryLimit}
	if err := builtin.Register(r.registry, runner, limits); err != nil {
		r.close()
		return nil, err
	}

	r.queue = queue.NewRedisService(r.redis, r.repo, &queue.Config{
		MaxConcurrentPerWorkflow: cfg.Queue.MaxConcurrentPerWorkflow,
		MaxConcurrentGlobal:      cfg.Queue.MaxConcurrentGlobal,
		MaxAttempts:              cfg.Queue.MaxAttempts,
		RetryBaseDelay:           cfg.Queue.RetryBaseDelay,
	})

	r.broker = stream.NewBroker()
	r.hub = execution.NewCancelHub()
	repo := r.repo
	r.engine = scheduler.New(r.registry,
		scheduler.WithPublisher(stream.Fanout{r.broker, stream.NewRedisPublisher(r.redis)}),
		scheduler.WithResultSink(func(ctx context.Context, execID core.ID, result *execution.NodeResult) error {
			return repo.UpsertNodeResult(ctx, execID, result)
		}),
		scheduler.WithErrorEnqueuer(r.queue),
	)
	r.worker = worker.New(r.queue, r.repo, r.source, r.registry, r.engine, r.hub, &worker.Config{
		PoolSize:          cfg.Worker.PoolSize,
		PollInterval:      cfg.Worker.PollInterval,
		MaxPollInterval:   cfg.Worker.MaxPollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseDuration:     cfg.Queue.LeaseDuration,
	})
	return r, nil
}

func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// loadWorkflows reads every YAML definition in a directory. A missing
// directory yields an empty source rather than an error so the server
// can run API-only.
func loadWorkflows(ctx context.Context, dir string) (*workflow.StaticSource, error) {
	source := workflow.NewStaticSource()
	if dir == "" {
		return source, nil
	}
	paths := []string{}
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scanning workflow directory: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	for _, path := range paths {
		cfg, err := workflow.Load(path)
		if err != nil {
			return nil, err
		}
		source.Add(cfg)
		logger.FromContext(ctx).Info("workflow loaded", "workflow_id", cfg.ID, "path", path)
	}
	return source, nil
}
