// Command loom executes a workflow graph definition and streams its events.
//
// The graph is read from a JSON file in the editor format (nodes + edges).
// Events for the run are printed to stdout as JSON lines while the run
// progresses; the final output map is printed last.
//
//	loom -config loom.toml -input '{"query":"hello"}' graph.json
//
// Suspended runs can be continued with -resume and -resume-input:
//
//	loom -run-id <id> -resume -resume-input '{"approval":{"ok":true}}' graph.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlab/loom"
	"github.com/strandlab/loom/code"
	"github.com/strandlab/loom/internal/config"
	"github.com/strandlab/loom/observer"
	"github.com/strandlab/loom/store/postgres"
	"github.com/strandlab/loom/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", os.Getenv("LOOM_CONFIG"), "path to TOML config")
		runID       = flag.String("run-id", "", "run id (required with -resume)")
		resume      = flag.Bool("resume", false, "resume a checkpointed run")
		resumeInput = flag.String("resume-input", "", "JSON map of node id to resume payload")
		input       = flag.String("input", "", "JSON run input (object populates variables)")
		stopAfter   = flag.String("stop-after", "", "pause the run after this node executes")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: loom [flags] graph.json")
	}
	graphPath := flag.Arg(0)

	cfg := config.Load(*configPath)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("read graph: %w", err)
	}
	g, err := loom.ParseEditorGraph(data)
	if err != nil {
		return fmt.Errorf("parse graph: %w", err)
	}

	checkpoints, events, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := loom.NewBus(
		loom.WithRingCapacity(cfg.Bus.RingCapacity),
		loom.WithSubscriberQueue(cfg.Bus.SubscriberQueue),
		loom.WithTopicTTL(time.Duration(cfg.Bus.TopicTTLSeconds)*time.Second),
	)
	bus.StartGC(ctx)

	registry := loom.NewRegistry()
	if err := loom.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register components: %w", err)
	}

	engineOpts := []loom.EngineOption{
		loom.WithBus(bus),
		loom.WithEventStore(events),
		loom.WithCheckpointStore(checkpoints),
		loom.WithFanout(cfg.Engine.Fanout),
		loom.WithResources(buildResources(cfg, logger)),
		loom.EngineLogger(logger),
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer shutdown(context.Background())
		engineOpts = append(engineOpts,
			loom.WithHooks(observer.NewHook(inst)),
			loom.WithTracer(observer.NewTracer()),
		)
	}
	engine := loom.NewEngine(registry, engineOpts...)

	runOpts, err := buildRunOptions(*runID, *resume, *resumeInput, *stopAfter)
	if err != nil {
		return err
	}
	runInput, err := parseInput(*input)
	if err != nil {
		return err
	}

	handle := engine.Start(ctx, g, runInput, runOpts...)
	logger.Info("run started", "run_id", handle.RunID())

	// Stream events as JSON lines until the run finishes.
	sub := bus.Subscribe(handle.RunID(), 0)
	defer sub.Close()
	enc := json.NewEncoder(os.Stdout)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return printResult(enc, handle)
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
		case <-handle.Done():
			drainEvents(enc, sub)
			return printResult(enc, handle)
		case <-ctx.Done():
			handle.Cancel()
			<-handle.Done()
			return ctx.Err()
		}
	}
}

// openStore builds the checkpoint and event stores per the configured driver.
func openStore(ctx context.Context, cfg config.Config) (loom.CheckpointStore, loom.EventStore, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return st, st, pool.Close, nil
	case "", "sqlite":
		st := sqlite.New(cfg.Database.Path)
		if err := st.Init(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return st, st, func() { st.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildResources wires the collaborators graph nodes resolve at runtime.
// The docker sandbox is optional: without a reachable daemon, graphs that
// don't use code nodes still run.
func buildResources(cfg config.Config, logger *slog.Logger) loom.ResourceMap {
	res := loom.ResourceMap{}

	sandboxOpts := []code.Option{code.WithImage(cfg.Sandbox.Image)}
	if cfg.Sandbox.TimeoutSeconds > 0 {
		sandboxOpts = append(sandboxOpts, code.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second))
	}
	if runner, err := code.NewDockerRunner(sandboxOpts...); err == nil {
		res["sandbox"] = runner
	} else {
		logger.Warn("docker sandbox unavailable", "error", err)
	}
	return res
}

func buildRunOptions(runID string, resume bool, resumeInput, stopAfter string) ([]loom.RunOption, error) {
	var opts []loom.RunOption
	if runID != "" {
		opts = append(opts, loom.WithRunID(runID))
	}
	if resume {
		if runID == "" {
			return nil, fmt.Errorf("-resume requires -run-id")
		}
		opts = append(opts, loom.WithResume())
	}
	if resumeInput != "" {
		var inputs map[string]any
		if err := json.Unmarshal([]byte(resumeInput), &inputs); err != nil {
			return nil, fmt.Errorf("parse -resume-input: %w", err)
		}
		opts = append(opts, loom.WithResumeInputs(inputs))
	}
	if stopAfter != "" {
		opts = append(opts, loom.WithStopAfter(stopAfter))
	}
	return opts, nil
}

func parseInput(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse -input: %w", err)
	}
	return v, nil
}

// drainEvents flushes whatever the subscription already buffered.
func drainEvents(enc *json.Encoder, sub *loom.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			enc.Encode(ev)
		default:
			return
		}
	}
}

func printResult(enc *json.Encoder, handle *loom.RunHandle) error {
	output, err := handle.Await(context.Background())
	if err != nil {
		return fmt.Errorf("run %s: %w", handle.RunID(), err)
	}
	return enc.Encode(map[string]any{"run_id": handle.RunID(), "output": output})
}
