// Command chimera runs the task orchestration core: the HTTP boundary
// adapter over the store, task repository, worker service, plan engine and
// workflow executor.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chimera/internal/client"
	"chimera/internal/config"
	"chimera/internal/events"
	"chimera/internal/logging"
	"chimera/internal/orchestrator"
	"chimera/internal/planner"
	"chimera/internal/registry"
	"chimera/internal/server"
	"chimera/internal/store"
	"chimera/internal/store/memory"
	"chimera/internal/store/postgres"
	"chimera/internal/taskrepo"
	"chimera/internal/workers"
)

// Version is stamped by the build.
var Version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// NewRootCommand builds the chimera CLI.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chimera",
		Short:         "Chimera task orchestration core",
		Long:          "Chimera orchestrates tasks, workers, execution plans and agent-driven workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chimera version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", bold("chimera"), Version)
		},
	}
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	log := logging.NewComponentLogger("chimera")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus(log,
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithHistorySize(cfg.Events.HistorySize))
	defer bus.Close()

	repo := taskrepo.New(taskrepo.Config{
		Store:     st,
		Bus:       bus,
		Logger:    log,
		DualWrite: cfg.Store.DualWrite,
	})

	workerSvc := workers.New(workers.Config{
		Store:            st,
		Repo:             repo,
		Bus:              bus,
		Logger:           log,
		HeartbeatTimeout: cfg.Workers.HeartbeatTimeout,
		SweepInterval:    cfg.Workers.SweepInterval,
	})
	if recovered, err := workerSvc.RecoverStale(ctx); err != nil {
		log.Warn("startup recovery failed: %v", err)
	} else if recovered > 0 {
		log.Info("requeued %d orphaned tasks from a previous run", recovered)
	}
	workerSvc.Start(ctx)
	defer workerSvc.Stop()

	if cfg.Workers.JanitorSchedule != "" {
		janitor := workers.NewJanitor(workers.JanitorConfig{
			Store:     st,
			Repo:      repo,
			Logger:    log,
			Schedule:  cfg.Workers.JanitorSchedule,
			Retention: cfg.Workers.TaskRetention,
		})
		if err := janitor.Start(ctx); err != nil {
			return err
		}
		defer janitor.Stop()
	}

	planEngine := planner.New(planner.Config{Store: st, Repo: repo, Bus: bus, Logger: log})
	agentRegistry := registry.New(log)
	executor := orchestrator.New(orchestrator.Config{
		Registry: agentRegistry,
		Repo:     repo,
		Bus:      bus,
		Logger:   log,
	})

	facade, err := client.New(client.Config{
		Repo:     repo,
		Workers:  workerSvc,
		Planner:  planEngine,
		Executor: executor,
		Bus:      bus,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		EnableCORS:   cfg.Server.EnableCORS,
		Debug:        cfg.Server.Debug,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, facade, log)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", bold("chimera"), Version)
	fmt.Printf("  %s %s\n", cyan("store:"), cfg.Store.Driver)
	fmt.Printf("  %s http://%s:%d\n", cyan("api:"), cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  %s ws://%s:%d/ws/events\n", cyan("events:"), cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		fmt.Println(yellow("shutting down..."))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		fmt.Println(green("bye"))
		return nil
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logging.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}
