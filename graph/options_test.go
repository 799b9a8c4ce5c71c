package graph

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/superstep-go/graph/emit"
	"github.com/dshills/superstep-go/graph/store"
)

func TestOptions_Apply(t *testing.T) {
	mem := store.NewMemStore()
	emitter := emit.NewNullEmitter()
	metrics := NewPrometheusMetrics(prometheus.NewRegistry(), "")

	cfg := defaultWorkflowConfig()
	err := applyOptions(&cfg, []Option{
		WithName("orders"),
		WithDescription("order pipeline"),
		WithMaxIterations(12),
		WithCheckpointing(mem),
		WithEmitter(emitter),
		WithMetrics(metrics),
		WithDefaultHandlerTimeout(time.Second),
		WithExecutorTimeout("slow", 5*time.Second),
		WithDeliveryPoolSize(4),
		nil,
	})
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.name)
	assert.Equal(t, "order pipeline", cfg.description)
	assert.Equal(t, 12, cfg.maxIterations)
	assert.Same(t, mem, cfg.storage)
	assert.Equal(t, emitter, cfg.emitter)
	assert.Same(t, metrics, cfg.metrics)
	assert.Equal(t, time.Second, cfg.defaultHandlerTimeout)
	assert.Equal(t, 5*time.Second, cfg.executorTimeouts["slow"])
	assert.Equal(t, 4, cfg.deliveryPoolSize)
}

func TestOptions_Defaults(t *testing.T) {
	cfg := defaultWorkflowConfig()
	assert.Equal(t, DefaultMaxIterations, cfg.maxIterations)
	assert.Equal(t, DefaultDeliveryPoolSize, cfg.deliveryPoolSize)
	assert.Nil(t, cfg.storage)
	assert.Zero(t, cfg.defaultHandlerTimeout)
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero iterations", WithMaxIterations(0)},
		{"negative timeout", WithDefaultHandlerTimeout(-time.Second)},
		{"negative executor timeout", WithExecutorTimeout("a", -time.Second)},
		{"zero pool", WithDeliveryPoolSize(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultWorkflowConfig()
			assert.Error(t, applyOptions(&cfg, []Option{tt.opt}))

			_, err := NewWorkflowBuilder(tt.opt).SetStartExecutor(newIncrement("a", 1)).Build()
			assert.Error(t, err)
		})
	}
}

func TestHandlerTimeoutPrecedence(t *testing.T) {
	overrides := map[string]time.Duration{"slow": 3 * time.Second, "zero": 0}
	assert.Equal(t, 3*time.Second, handlerTimeout("slow", overrides, time.Second))
	assert.Equal(t, time.Second, handlerTimeout("zero", overrides, time.Second))
	assert.Equal(t, time.Second, handlerTimeout("other", overrides, time.Second))
	assert.Zero(t, handlerTimeout("other", overrides, 0))
}
