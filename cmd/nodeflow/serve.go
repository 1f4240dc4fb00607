package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/nodeflow/internal/api"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/mcp"
	"github.com/rendis/nodeflow/pkg/schema"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose nodeflow as an MCP server and, optionally, over HTTP",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "stdio",
				Value: true,
				Usage: "Serve MCP over stdio",
			},
			&cli.BoolFlag{
				Name:  "http",
				Usage: "Serve the HTTP API, SSE streams, webhooks and MCP on listen_addr",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides listen_addr, implies --http)",
			},
			&cli.StringSliceFlag{
				Name:  "deploy",
				Usage: "Graph to arm: schedule triggers join the scheduler, webhook triggers the HTTP router",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	env, err := setup(cmd)
	if err != nil {
		return err
	}
	if v := cmd.String("listen"); v != "" {
		env.cfg.ListenAddr = v
	}
	serveHTTP := cmd.Bool("http") || cmd.String("listen") != ""
	if !serveHTTP && !cmd.Bool("stdio") {
		return errors.New("nothing to serve: enable --stdio or --http")
	}

	st, err := openStore(ctx, env.cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	manager, err := newRunManager(st, env)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	sched := scheduler.NewScheduler(manager, env.logger,
		scheduler.WithInterval(time.Duration(env.cfg.ScheduleIntervalMs)*time.Millisecond))
	webhooks := api.NewWebhookRouter()
	if err := deployGraphs(cmd.StringSlice("deploy"), manager, sched, webhooks, env.logger); err != nil {
		return err
	}

	srv := mcp.NewNodeflowServer(mcp.ServerDeps{Runs: manager, Logger: env.logger})

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(sigCtx); err != nil {
		return err
	}
	defer func() {
		_ = sched.Stop()
	}()

	g, gctx := errgroup.WithContext(sigCtx)
	if cmd.Bool("stdio") {
		g.Go(func() error {
			env.logger.Info("mcp server listening on stdio", "db", env.cfg.DBPath, "pool_size", env.cfg.PoolSize)
			err := srv.Serve(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// Closing stdin ends the stdio session, not the HTTP listener.
			if serveHTTP && err == nil {
				<-gctx.Done()
			}
			return err
		})
	}
	if serveHTTP {
		httpSrv := api.NewServer(api.Deps{
			Runs:      manager,
			Scheduler: sched,
			Webhooks:  webhooks,
			MCP:       srv.HTTPHandler(),
			Logger:    env.logger,
		})
		g.Go(func() error {
			return httpSrv.ListenAndServe(gctx, env.cfg.ListenAddr)
		})
	}
	return g.Wait()
}

// newRunManager builds the run manager every serve surface shares.
func newRunManager(st *store.LibSQLStore, env *env) (*runs.Manager, error) {
	deps := runs.Deps{
		Pool:           engine.NewRunPool(env.cfg.PoolSize, env.logger),
		Store:          st,
		Hub:            streaming.NewMemoryHub(64),
		Breakers:       engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		DefaultTimeout: env.cfg.DefaultTimeout(),
		Logger:         env.logger,
	}
	vault, err := openVault(st, env.cfg)
	if err != nil {
		return nil, err
	}
	if vault != nil {
		deps.Vault = vault
	}
	return runs.NewManager(deps), nil
}

// deployGraphs validates each graph and arms its triggers. A graph that
// neither schedule nor webhook triggers can start is rejected.
func deployGraphs(paths []string, manager *runs.Manager, sched *scheduler.Scheduler, webhooks *api.WebhookRouter, logger *slog.Logger) error {
	for _, path := range paths {
		doc, err := validation.LoadFile(path)
		if err != nil {
			return err
		}
		result, err := manager.Validate(doc)
		if err != nil {
			return err
		}
		if !result.Valid() {
			return fmt.Errorf("deploy %s: %w", path, result.ToError())
		}
		workflowID := workflowIDFor("", doc.Graph, path)

		jobs, schedErr := sched.Register(doc, workflowID)
		routes, hookErr := webhooks.Register(doc, workflowID)
		switch {
		case schedErr != nil && !noTrigger(schedErr):
			return fmt.Errorf("deploy %s: %w", path, schedErr)
		case hookErr != nil && !noTrigger(hookErr):
			return fmt.Errorf("deploy %s: %w", path, hookErr)
		case len(jobs) == 0 && len(routes) == 0:
			return fmt.Errorf("deploy %s: graph has no schedule or webhook trigger", path)
		}
		logger.Info("workflow deployed", "workflow_id", workflowID, "schedules", len(jobs), "webhooks", len(routes))
	}
	return nil
}

// noTrigger reports whether err only says the graph lacks that trigger kind.
func noTrigger(err error) bool {
	var nfe *schema.NodeflowError
	if !errors.As(err, &nfe) {
		return false
	}
	return nfe.Code == schema.ErrCodeValidation && nfe.NodeID == ""
}
