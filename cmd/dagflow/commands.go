package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/dagflow/api"
	"github.com/c360studio/dagflow/evaluator"
	"github.com/c360studio/dagflow/executor"
	"github.com/c360studio/dagflow/orchestrator"
	"github.com/c360studio/dagflow/workflow"
)

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Distributed workflow engine with self-correcting task DAGs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		orchestratorCmd(&configPath),
		executorCmd(&configPath),
		evaluatorCmd(&configPath),
		standaloneCmd(&configPath),
		submitCmd(&configPath),
		statusCmd(&configPath),
		cancelCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func orchestratorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the orchestrator (admission, dispatch, supervision) and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			orch := buildOrchestrator(app)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return orch.Run(ctx) })
			if app.cfg.API.Addr != "" {
				srv := api.New(app.cfg.API.Addr, app.store, orch, app.logger)
				g.Go(func() error { return srv.Run(ctx) })
			}
			return g.Wait()
		},
	}
}

func executorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "executor",
		Short: "Run an executor pool member",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			return buildExecutor(app).Run(ctx)
		},
	}
}

func evaluatorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluator",
		Short: "Run the evaluator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			return buildEvaluator(app).Run(ctx)
		},
	}
}

func standaloneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run orchestrator, executor, evaluator, and API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			orch := buildOrchestrator(app)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return orch.Run(ctx) })
			g.Go(func() error { return buildExecutor(app).Run(ctx) })
			g.Go(func() error { return buildEvaluator(app).Run(ctx) })
			if app.cfg.API.Addr != "" {
				srv := api.New(app.cfg.API.Addr, app.store, orch, app.logger)
				g.Go(func() error { return srv.Run(ctx) })
			}
			return g.Wait()
		},
	}
}

func submitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a workflow and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			orch := buildOrchestrator(app)
			wf, err := orch.Submit(ctx, args[0])
			if err != nil {
				if wf != nil {
					fmt.Fprintf(os.Stderr, "workflow %s admitted but planning failed\n", wf.ID)
				}
				return storeError(err)
			}
			fmt.Println(wf.ID)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Print a workflow and its tasks as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			wf, tasks, err := app.store.GetWorkflow(ctx, args[0])
			if err != nil {
				return storeError(err)
			}
			out, err := json.MarshalIndent(map[string]any{
				"workflow": wf,
				"tasks":    tasks,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func cancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Shutdown()

			if err := app.store.CancelWorkflow(ctx, args[0]); err != nil {
				return storeError(err)
			}
			fmt.Printf("workflow %s cancelled\n", args[0])
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func buildOrchestrator(app *App) *orchestrator.Orchestrator {
	return orchestrator.New(app.store, app.fabric, app.oracle(),
		orchestrator.WithLogger(app.logger),
		orchestrator.WithPollingInterval(app.cfg.Engine.PollingInterval),
		orchestrator.WithDispatchBatch(app.cfg.Engine.DispatchBatch),
		orchestrator.WithMaxRetries(app.cfg.Engine.MaxRetries),
		orchestrator.WithMaxCorrectionDepth(app.cfg.Engine.MaxCorrectionDepth),
		orchestrator.WithKnownTypes(app.cfg.Executor.Types),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(nil)),
	)
}

func buildExecutor(app *App) *executor.Executor {
	registry := executor.NewRegistry()
	for _, t := range app.cfg.Executor.Types {
		switch t {
		case workflow.TypeCodeExecutor:
			registry.Register(&executor.CodeHandler{Interpreter: app.cfg.Executor.Interpreter})
		case workflow.TypeFileWriter:
			registry.Register(&executor.FileHandler{
				WorkDir:      app.cfg.Executor.WorkDir,
				AllowedPaths: app.cfg.Executor.AllowedPaths,
			})
		case workflow.TypeAPICaller:
			registry.Register(&executor.APIHandler{})
		default:
			registry.Register(&executor.GenericHandler{})
		}
	}
	return executor.New(app.store, app.fabric, registry,
		executor.WithLogger(app.logger),
		executor.WithCapabilities(app.cfg.Executor.Capabilities),
		executor.WithConcurrency(app.cfg.Executor.Concurrency),
		executor.WithTaskTimeout(app.cfg.Engine.TaskTimeout),
		executor.WithLease(app.cfg.Engine.ClaimLease),
		executor.WithMetrics(executor.MustNewMetrics(nil)),
	)
}

func buildEvaluator(app *App) *evaluator.Evaluator {
	return evaluator.New(app.store, app.fabric,
		evaluator.WithLogger(app.logger),
		evaluator.WithWorkDir(app.cfg.Executor.WorkDir),
		evaluator.WithStderrAllowed(app.cfg.Evaluator.StderrAllowed),
		evaluator.WithMetrics(evaluator.MustNewMetrics(nil)),
	)
}
