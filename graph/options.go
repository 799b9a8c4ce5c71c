package graph

import (
	"fmt"
	"time"

	"github.com/dshills/superstep-go/graph/emit"
	"github.com/dshills/superstep-go/graph/store"
)

// DefaultMaxIterations is the superstep limit used when none is configured.
const DefaultMaxIterations = 100

// DefaultDeliveryPoolSize bounds how many source buckets are delivered in
// parallel within one superstep.
const DefaultDeliveryPoolSize = 64

// Option is a functional option for configuring a Workflow (through
// NewWorkflowBuilder) or a standalone Runner.
//
// Example:
//
//	wf, err := graph.NewWorkflowBuilder(
//	    graph.WithMaxIterations(50),
//	    graph.WithCheckpointing(store.NewMemStore()),
//	    graph.WithDefaultHandlerTimeout(10*time.Second),
//	).
//	    SetStartExecutor(start).
//	    AddEdge(start, next, nil).
//	    Build()
type Option func(*workflowConfig) error

// workflowConfig collects options before they are applied.
type workflowConfig struct {
	name          string
	description   string
	maxIterations int

	storage store.CheckpointStorage
	emitter emit.Emitter
	metrics *PrometheusMetrics

	defaultHandlerTimeout time.Duration
	executorTimeouts      map[string]time.Duration
	deliveryPoolSize      int
}

func defaultWorkflowConfig() workflowConfig {
	return workflowConfig{
		maxIterations:    DefaultMaxIterations,
		deliveryPoolSize: DefaultDeliveryPoolSize,
		executorTimeouts: make(map[string]time.Duration),
	}
}

func applyOptions(cfg *workflowConfig, opts []Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

// WithMaxIterations caps the number of supersteps per run.
//
// Default: 100. When the cap is reached while messages are still pending the
// run fails with a MAX_ITERATIONS_EXCEEDED WorkflowError (matching
// ErrConvergence).
//
// Recommended values:
//   - Acyclic graphs: the longest path length plus a margin
//   - Loops: path length × expected loop iterations
func WithMaxIterations(n int) Option {
	return func(cfg *workflowConfig) error {
		if n <= 0 {
			return fmt.Errorf("max iterations must be positive, got %d", n)
		}
		cfg.maxIterations = n
		return nil
	}
}

// WithCheckpointing enables a checkpoint after the initial execution and
// after every superstep, saved to storage.
func WithCheckpointing(storage store.CheckpointStorage) Option {
	return func(cfg *workflowConfig) error {
		cfg.storage = storage
		return nil
	}
}

// WithName sets a human-readable workflow name.
func WithName(name string) Option {
	return func(cfg *workflowConfig) error {
		cfg.name = name
		return nil
	}
}

// WithDescription sets a workflow description.
func WithDescription(description string) Option {
	return func(cfg *workflowConfig) error {
		cfg.description = description
		return nil
	}
}

// WithEmitter mirrors every workflow event to emitter (see package emit).
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *workflowConfig) error {
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry, "")
//	wf, err := graph.NewWorkflowBuilder(graph.WithMetrics(metrics)).
//	    ...
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *workflowConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithDefaultHandlerTimeout bounds every handler call that has no
// per-executor timeout. Default: 0 (unlimited).
//
// Handlers see the deadline through their context. A handler still running
// past it fails the run with a HANDLER_TIMEOUT WorkflowError once it returns.
func WithDefaultHandlerTimeout(d time.Duration) Option {
	return func(cfg *workflowConfig) error {
		if d < 0 {
			return fmt.Errorf("handler timeout must not be negative, got %v", d)
		}
		cfg.defaultHandlerTimeout = d
		return nil
	}
}

// WithExecutorTimeout overrides the handler timeout for one executor.
func WithExecutorTimeout(executorID string, d time.Duration) Option {
	return func(cfg *workflowConfig) error {
		if d < 0 {
			return fmt.Errorf("handler timeout must not be negative, got %v", d)
		}
		if cfg.executorTimeouts == nil {
			cfg.executorTimeouts = make(map[string]time.Duration)
		}
		cfg.executorTimeouts[executorID] = d
		return nil
	}
}

// WithDeliveryPoolSize sets how many source buckets are delivered
// concurrently within a superstep. Default: 64.
func WithDeliveryPoolSize(n int) Option {
	return func(cfg *workflowConfig) error {
		if n <= 0 {
			return fmt.Errorf("delivery pool size must be positive, got %d", n)
		}
		cfg.deliveryPoolSize = n
		return nil
	}
}
