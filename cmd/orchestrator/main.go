// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Command orchestrator wires together the dependency graph, event
// bus, attempt store, runner, coordinator and review gate into a
// single CLI entrypoint. It is a thin shell: every real decision
// lives in the internal/* packages this command does nothing but
// construct and invoke.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go/jetstream"

	"taskforge/internal/config"
	"taskforge/internal/coordinator"
	"taskforge/internal/eventbus"
	"taskforge/internal/reviewgate"
	"taskforge/internal/runner"
	"taskforge/internal/store"
	"taskforge/internal/telemetry"
	"taskforge/internal/workerclient"
	"taskforge/pkg/domain"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfgPath := os.Getenv("TASKFORGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "orchestrator.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewTracerProvider(ctx, &telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		CollectorURL: cfg.Telemetry.CollectorURL,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn("telemetry disabled: failed to start tracer provider", "error", err)
	} else {
		defer func() { _ = tp.Shutdown(ctx) }()
	}

	bus, err := newBus(cfg)
	if err != nil {
		log.Fatalf("start event bus: %v", err)
	}
	defer bus.Close()

	js, err := jetstream.New(bus.Conn())
	if err != nil {
		log.Fatalf("create jetstream context: %v", err)
	}
	st, err := store.New(ctx, js)
	if err != nil {
		log.Fatalf("open attempt store: %v", err)
	}

	worker := workerclient.New(cfg.Worker.URL, cfg.Worker.SecretKey, nil)
	projects := newFileProjectRegistry(os.Getenv("TASKFORGE_PROJECTS_FILE"))

	run := runner.New(st, worker, bus, projects.Lookup, os.Getenv("TASKFORGE_MODEL"), logger)
	coord := coordinator.New(st, run, coordinator.WithMaxConcurrent(cfg.MaxConcurrent), coordinator.WithLogger(logger))
	gate := reviewgate.New(st, worker, coord, projects.Lookup, logger)

	if os.Args[1] == "serve" {
		runServe(ctx, gate, cfg)
		return
	}

	if err := dispatch(ctx, os.Args[1], os.Args[2:], coord, gate); err != nil {
		log.Fatalf("%v", err)
	}
}

// runServe blocks running the periodic worktree cleanup sweep until
// ctx is cancelled by a SIGINT/SIGTERM, the daemon counterpart to the
// one-shot commands dispatch handles. Scheduling and review-gate
// actions still go through the orchestrator CLI against the same
// NATS-backed store; serve only owns the maintenance sweep.
func runServe(ctx context.Context, gate *reviewgate.Gate, cfg *config.Config) {
	interval := cfg.Sweep.Interval
	if interval <= 0 {
		interval = reviewgate.DefaultSweepInterval
	}
	retention := cfg.Sweep.Retention
	if retention <= 0 {
		retention = reviewgate.DefaultRetention
	}
	log.Printf("orchestrator: serving worktree sweep every %s (retention %s), waiting for shutdown signal", interval, retention)
	gate.SweepLoop(ctx, interval, retention, nil)
	log.Printf("orchestrator: shutdown signal received, sweep loop stopped")
}

func newBus(cfg *config.Config) (*eventbus.Bus, error) {
	if cfg.NATS.Embedded {
		return eventbus.ConnectEmbedded()
	}
	return eventbus.Connect(cfg.NATS.URL)
}

func dispatch(ctx context.Context, command string, args []string, coord *coordinator.Coordinator, gate *reviewgate.Gate) error {
	switch command {
	case "schedule":
		requireArgs(args, 1, "schedule <project-id>")
		res, err := coord.ScheduleProjectTasks(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(res)
	case "status":
		requireArgs(args, 1, "status <project-id>")
		status, err := coord.GetExecutionStatus(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(status)
	case "cancel-all":
		requireArgs(args, 1, "cancel-all <project-id>")
		n, err := coord.CancelAllRunning(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d attempt(s)\n", n)
	case "retry-failed":
		requireArgs(args, 1, "retry-failed <project-id>")
		n, res, err := coord.RetryFailedTasks(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("retried %d task(s)\n", n)
		printJSON(res)
	case "approve":
		requireArgs(args, 1, "approve <attempt-id>")
		return gate.Approve(ctx, args[0])
	case "reject":
		requireArgs(args, 1, "reject <attempt-id> [feedback]")
		feedback := ""
		if len(args) > 1 {
			feedback = args[1]
		}
		return gate.Reject(ctx, args[0], feedback)
	case "cancel":
		requireArgs(args, 1, "cancel <attempt-id>")
		return gate.Cancel(ctx, args[0])
	case "version":
		fmt.Printf("taskforge orchestrator v%s\n", version)
	case "help":
		printUsage()
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		log.Fatalf("usage: orchestrator %s", usage)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(data))
}

func printUsage() {
	fmt.Println("Usage: orchestrator <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  schedule <project-id>               dispatch ready tasks up to the concurrency cap")
	fmt.Println("  status <project-id>                 summarize task/attempt state for a project")
	fmt.Println("  cancel-all <project-id>              cancel every running attempt in a project")
	fmt.Println("  retry-failed <project-id>            reset FAILED tasks to TODO and reschedule")
	fmt.Println("  approve <attempt-id>                  merge an attempt's branch and unblock dependents")
	fmt.Println("  reject <attempt-id> [feedback]        send an attempt's task back to TODO")
	fmt.Println("  cancel <attempt-id>                   cancel one in-flight attempt")
	fmt.Println("  serve                                  run the periodic worktree cleanup sweep until SIGINT/SIGTERM")
	fmt.Println("  version                                print the orchestrator version")
}

// fileProjectRegistry resolves domain.Project records from a small
// JSON file, standing in for the project CRUD layer that lives
// outside this process. Projects are not part of the orchestration
// core's own durable state, only a lookup seam the Runner and Review
// Gate need.
type fileProjectRegistry struct {
	projects map[string]domain.Project
}

func newFileProjectRegistry(path string) *fileProjectRegistry {
	reg := &fileProjectRegistry{projects: map[string]domain.Project{}}
	if path == "" {
		return reg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Default().Warn("project registry file unreadable, falling back to ID-only lookups", "path", path, "error", err)
		return reg
	}
	var list []domain.Project
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Default().Warn("project registry file malformed, falling back to ID-only lookups", "path", path, "error", err)
		return reg
	}
	for _, p := range list {
		reg.projects[p.ID] = p
	}
	return reg
}

func (r *fileProjectRegistry) Lookup(_ context.Context, projectID string) (domain.Project, error) {
	if p, ok := r.projects[projectID]; ok {
		return p, nil
	}
	return domain.Project{ID: projectID}, nil
}
