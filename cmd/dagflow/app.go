package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dagflow/config"
	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/planner"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// App holds the shared infrastructure every subcommand builds on: the
// NATS connection (embedded or external), the store, and the fabric.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn       *nats.Conn
	embeddedServer *server.Server
	js             jetstream.JetStream
	store          *store.Store
	fabric         *fabric.Fabric
}

// newApp loads config, configures logging, and connects everything.
func newApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configError(err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{cfg: cfg, logger: logger}
	if err := app.startNATS(ctx); err != nil {
		return nil, fabricError(err)
	}

	st, err := store.New(ctx, app.js, store.WithLogger(logger))
	if err != nil {
		app.Shutdown()
		return nil, storeError(fmt.Errorf("initialize store: %w", err))
	}
	app.store = st

	fb, err := fabric.New(ctx, app.js,
		fabric.WithLogger(logger),
		fabric.WithDeadLetterAfter(cfg.Engine.DeadLetterAfter),
		fabric.WithAckWait(cfg.Engine.TaskTimeout+cfg.Engine.ClaimLease),
	)
	if err != nil {
		app.Shutdown()
		return nil, fabricError(fmt.Errorf("initialize fabric: %w", err))
	}
	app.fabric = fb
	return app, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// oracle builds the planning oracle the config asks for.
func (a *App) oracle() planner.Oracle {
	if a.cfg.Planner.Scripted {
		return &planner.Scripted{
			PlanFunc: cannedPlan,
		}
	}
	opts := []planner.LLMOption{planner.WithLogger(a.logger)}
	if a.cfg.Planner.APIKey != "" {
		opts = append(opts, planner.WithAPIKey(a.cfg.Planner.APIKey))
	}
	return planner.NewLLM(a.cfg.Planner.Endpoint, a.cfg.Planner.Model, opts...)
}

// cannedPlan turns any prompt into one generic task. It keeps the
// standalone mode useful without a model endpoint.
func cannedPlan(_ context.Context, prompt string) (*planner.Plan, error) {
	return &planner.Plan{
		Tasks: []planner.TaskSpec{
			{
				Description:  prompt,
				ExecutorType: workflow.TypeGeneric,
				Parameters:   map[string]any{"prompt": prompt},
			},
		},
	}, nil
}

// Shutdown drains the NATS connection and stops the embedded server.
func (a *App) Shutdown() {
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
