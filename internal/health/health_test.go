package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("queue", func(ctx context.Context) Status {
		return Status{Name: "queue", Healthy: true}
	})
	r.Register("ledger", func(ctx context.Context) Status {
		return Status{Name: "ledger", Healthy: false, Detail: "rpc unreachable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)

	// Sorted by name: ledger before queue.
	assert.Equal(t, "ledger", statuses[0].Name)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "queue", statuses[1].Name)
	assert.True(t, statuses[1].Healthy)
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("workers", func(ctx context.Context) Status {
		return Status{Name: "workers", Healthy: false}
	})
	r.Register("workers", func(ctx context.Context) Status {
		return Status{Name: "workers", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 1)
}
