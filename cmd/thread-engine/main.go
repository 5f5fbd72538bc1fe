// cmd/thread-engine: 引擎主入口 (app-server 客户端 + 线程状态 + Dashboard)。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/thread-engine/internal/backend"
	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/config"
	"github.com/multi-agent/thread-engine/internal/dashboard"
	"github.com/multi-agent/thread-engine/internal/database"
	"github.com/multi-agent/thread-engine/internal/session"
	"github.com/multi-agent/thread-engine/internal/store"
	"github.com/multi-agent/thread-engine/internal/thread"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

const sessionSeedLimit = 500

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.MustLoad()
	logger.Init(cfg.LogEnv)
	logger.SetLevel(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		logger.Error("thread-engine: exited with error", logger.FieldError, err)
		os.Exit(1)
	}
	logger.Info("thread-engine: stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	msgBus := bus.NewMessageBus()
	engine := thread.NewEngine(thread.OptionsFromConfig(cfg))
	engine.SetPublisher(msgBus)

	var (
		persist session.Persister
		audit   dashboard.AuditLister
		seed    []session.Session
	)
	if database.Enabled(cfg) {
		pool, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		defer logger.ShutdownDBHandler()

		approvals := store.NewApprovalLogStore(pool)
		sessions := store.NewSessionStore(pool)
		engine.SetAuditSink(approvals)
		persist, audit = sessions, approvals
		seed = loadSessions(ctx, sessions)
	} else {
		logger.Info("thread-engine: POSTGRES_CONNECTION_STRING empty, running without persistence")
	}

	tracker := session.NewTracker(persist)
	tracker.Seed(seed...)

	clientOpts := backend.OptionsFromConfig(cfg)
	client := backend.New(engine, clientOpts)
	defer client.Close()
	if n := backend.CleanupTempImages(os.TempDir()); n > 0 {
		logger.Info("thread-engine: removed stale temp images", logger.FieldCount, n)
	}
	connectBackend(ctx, cfg, client, engine)
	engine.SetTurnStarter(client)
	engine.SetApprovalResponder(client)

	srv := dashboard.NewServer(dashboard.Deps{
		Engine:       engine,
		Threads:      client,
		Sessions:     tracker,
		Audit:        audit,
		Bus:          msgBus,
		SSEKeepalive: time.Duration(cfg.SSEKeepaliveSec) * time.Second,
		AuditLimit:   cfg.AuditLogLimit,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tracker.Run(gctx, msgBus) })
	g.Go(func() error { return engine.RunFlushScheduler(gctx) })
	g.Go(func() error { return engine.RunApprovalSweeper(gctx, cfg.ApprovalSweepInterval()) })
	g.Go(func() error { return srv.Serve(gctx, cfg.HTTPAddr) })
	return g.Wait()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, os.DirFS(cfg.MigrationsDir)); err != nil {
		pool.Close()
		return nil, err
	}
	logger.AttachDBHandler(pool)
	return pool, nil
}

func loadSessions(ctx context.Context, sessions *store.SessionStore) []session.Session {
	rows, err := sessions.List(ctx, sessionSeedLimit)
	if err != nil {
		logger.Warn("thread-engine: load sessions failed", logger.FieldError, err)
		return nil
	}
	out := make([]session.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, session.Session{
			ThreadID:     r.ThreadID,
			Status:       r.Status,
			TurnID:       r.TurnID,
			Error:        r.Error,
			FirstMessage: r.FirstMessage,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out
}

// connectBackend 连接失败不退出: Dashboard 照常提供, 全局错误提示后端不可用。
func connectBackend(ctx context.Context, cfg *config.Config, client *backend.Client, engine *thread.Engine) {
	if cfg.AppServerSpawn {
		if err := client.Spawn(ctx); err != nil {
			logger.Error("thread-engine: spawn app-server failed", logger.FieldError, err)
			engine.SetGlobalError("Could not start the agent backend.")
			return
		}
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.AppServerCallTimeout())
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		logger.Error("thread-engine: connect app-server failed",
			logger.FieldURL, cfg.AppServerEndpoint(), logger.FieldError, err)
		engine.SetGlobalError("Could not connect to the agent backend.")
		return
	}
	logger.Info("thread-engine: app-server connected", logger.FieldURL, cfg.AppServerEndpoint())
}
