package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/replayflow/internal/app"
	"github.com/petrijr/replayflow/internal/config"
	"github.com/petrijr/replayflow/internal/sample"
	"github.com/petrijr/replayflow/internal/telemetry"
	"github.com/petrijr/replayflow/pkg/api"
	"github.com/petrijr/replayflow/pkg/worker"
	"github.com/petrijr/replayflow/pkg/workflow"
)

type globals struct {
	configPath string
	jsonMode   bool
	stdout     io.Writer
	stderr     io.Writer
}

func (g *globals) out() *output {
	return &output{jsonMode: g.jsonMode, w: g.stdout, errW: g.stderr}
}

func (g *globals) loadConfig() (*config.Config, error) {
	return config.Load(g.configPath)
}

func (g *globals) logger(cfg *config.Config) *slog.Logger {
	return telemetry.SetupLogger(g.stderr, cfg.Observability.LogLevel, cfg.Observability.LogFormat)
}

// open builds an App with the sample orchestration registered so every
// command can resolve its name.
func (g *globals) open(ctx context.Context, opts sample.Options) (*app.App, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := g.logger(cfg)
	opts.Logger = logger
	return app.Open(ctx, cfg, logger, func(reg *workflow.Registry, w *worker.Worker) error {
		return sample.Register(reg, w, opts)
	})
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "replayflow",
		Short:         "Durable replay-based orchestration engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&g.jsonMode, "json", false, "Output in JSON format")

	root.AddCommand(
		newWorkerCmd(g),
		newStartCmd(g),
		newStatusCmd(g),
		newHistoryCmd(g),
		newListCmd(g),
		newTerminateCmd(g),
		newPurgeCmd(g),
		newDemoCmd(g),
	)
	return root
}

func newWorkerCmd(g *globals) *cobra.Command {
	var concurrency int
	var maxSleep time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Recover pending instances and process tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := g.open(ctx, sample.Options{MaxSleep: maxSleep})
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Engine.Recover(ctx); err != nil {
				return fmt.Errorf("recover: %w", err)
			}

			metrics := a.Config.Observability.Metrics
			if metrics.Enabled {
				mux := http.NewServeMux()
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("ok"))
				})
				mux.Handle(metrics.Path, a.MetricsHandler())
				srv := &http.Server{Addr: metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				go func() {
					a.Logger.Info("listening", "addr", metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.Logger.Error("http server error", "error", err)
						cancel()
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if concurrency <= 0 {
				concurrency = a.Config.Worker.Concurrency
			}
			a.Logger.Info("worker started", "concurrency", concurrency)
			a.Worker.Run(ctx, concurrency)
			a.Logger.Info("worker stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of task loops (config value if zero)")
	cmd.Flags().DurationVar(&maxSleep, "max-sleep", 0, "Upper bound of the sample activities' random pause")
	return cmd
}

func newStartCmd(g *globals) *cobra.Command {
	var input string
	var instanceID string

	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start an orchestration instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			var in any
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("input is not valid JSON: %s", input)
				}
				in = json.RawMessage(input)
			}

			var opts []api.StartOption
			if instanceID != "" {
				opts = append(opts, api.WithInstanceID(instanceID))
			}
			id, err := a.Engine.StartOrchestration(cmd.Context(), args[0], in, opts...)
			if err != nil {
				return err
			}
			inst, err := a.Engine.GetInstance(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := g.out()
			out.message("Instance started: %s", id)
			return out.instances([]*api.Instance{inst})
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Orchestrator input as JSON")
	cmd.Flags().StringVar(&instanceID, "id", "", "Instance ID (generated if empty)")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			inst, err := a.Engine.GetInstance(ctx, args[0])
			if err != nil {
				return err
			}
			if wait > 0 && !inst.Status.IsTerminal() {
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				for !inst.Status.IsTerminal() {
					select {
					case <-waitCtx.Done():
						return fmt.Errorf("instance %s still %s: %w", inst.ID, inst.Status, waitCtx.Err())
					case <-time.After(200 * time.Millisecond):
					}
					if inst, err = a.Engine.GetInstance(waitCtx, args[0]); err != nil {
						return err
					}
				}
			}
			return g.out().instances([]*api.Instance{inst})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll until the instance finishes or the duration passes")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Engine.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.out().history(events)
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var name string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Engine.ListInstances(cmd.Context(), api.InstanceListOptions{
				Name:   name,
				Status: api.Status(status),
			})
			if err != nil {
				return err
			}
			return g.out().instances(list)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Filter by orchestrator name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUSPENDED, COMPLETED, FAILED, TERMINATED)")
	return cmd
}

func newTerminateCmd(g *globals) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate ID",
		Short: "Terminate a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine.Terminate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			g.out().message("Instance terminated: %s", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "terminated by operator", "Reason recorded in the history")
	return cmd
}

func newPurgeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "purge ID",
		Short: "Remove a finished instance and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), sample.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			g.out().message("Instance purged: %s", args[0])
			return nil
		},
	}
}

func newDemoCmd(g *globals) *cobra.Command {
	var items int
	var maxSleep time.Duration
	var concurrency int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the chaining and fan-out sample with in-memory storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.Store.Driver = config.DriverMemory
			cfg.Queue.Driver = config.DriverMemory
			cfg.Archive.Enabled = false
			cfg.Observability.Metrics.Enabled = false
			logger := g.logger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var completed int
			a, err := app.Open(ctx, cfg, logger, func(reg *workflow.Registry, w *worker.Worker) error {
				return sample.Register(reg, w, sample.Options{
					MaxSleep:        maxSleep,
					WorkItems:       items,
					Logger:          logger,
					OnWorkCompleted: func(n int) { completed = n },
				})
			})
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Engine.StartOrchestration(ctx, sample.OrchestratorName, nil)
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				a.Worker.Run(runCtx, concurrency)
			}()

			inst, err := waitTerminal(ctx, a.Engine, id)
			stop()
			<-done
			if err != nil {
				return err
			}

			g.out().message("Instance %s finished with %d work item(s)", id, completed)
			return g.out().instances([]*api.Instance{inst})
		},
	}

	cmd.Flags().IntVar(&items, "items", 10, "Number of fan-out work items (random below 100 if zero)")
	cmd.Flags().DurationVar(&maxSleep, "max-sleep", 0, "Upper bound of the activities' random pause")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "Number of task loops")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}

func waitTerminal(ctx context.Context, eng api.Engine, id string) (*api.Instance, error) {
	for {
		inst, err := eng.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("instance %s still %s: %w", id, inst.Status, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
