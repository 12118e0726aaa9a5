// Package loom is a workflow orchestration engine core for LLM-centric agents.
//
// It executes declarative graphs of computational nodes (LLM calls, code
// execution, HTTP fetches, branching, loops, sub-workflows) with explicit data
// flow and control flow, streams fine-grained progress events to subscribers
// in real time, and checkpoints enough state to resume interrupted runs after
// a process restart.
//
// # Quick Start
//
// Build an engine, register components, and run a graph:
//
//	bus := loom.NewBus()
//	store := sqlite.New("loom.db")
//	_ = store.Init(ctx)
//
//	reg := loom.NewRegistry()
//	loom.RegisterBuiltins(reg)
//
//	engine := loom.NewEngine(reg,
//		loom.WithBus(bus),
//		loom.WithCheckpointStore(store),
//		loom.WithEventStore(store),
//	)
//
//	graph, _ := loom.ParseGraph(definitionJSON)
//	result, err := engine.Run(ctx, graph, map[string]any{"n": 5})
//
// # Core Interfaces
//
// The root package defines the contracts everything else implements:
//
//   - [Component] — stateless node behavior: (inputs, config, context) → output
//   - [CheckpointStore] — durable per-run execution state
//   - [EventStore] — append-only per-run event log
//   - [Provider] — minimal LLM backend used by the llm component and the compactor
//   - [Hook] — lifecycle observer invoked around runs and nodes
//   - [Tracer] — nil-safe span creation (OTEL implementation in observer)
//
// # Included Implementations
//
// Storage: store/sqlite (pure-Go driver), store/postgres (pgx pool).
// Observability: observer (OTEL traces, metrics, logs, and an engine Hook).
// Sandboxing: code (docker-backed runner for the code component).
//
// See cmd/loom for a runnable reference binary.
package loom
