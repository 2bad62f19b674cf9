package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sazuyakun/Project-Aegis/internal/testutil"
)

func TestPostgresQueueFIFO(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	q := NewPostgresQueue(db, "transaction_requests", time.Second)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("a")))
	require.NoError(t, q.Push(ctx, []byte("b")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestPostgresQueueRequeueGoesToTail(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	q := NewPostgresQueue(db, "recovery_payments", time.Second)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("first")))
	require.NoError(t, q.Push(ctx, []byte("second")))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
	require.NoError(t, q.Requeue(ctx, got))

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestPostgresQueueEmptyTimesOut(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	q := NewPostgresQueue(db, "transaction_requests", 300*time.Millisecond)
	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPostgresQueuesAreIsolatedByName(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	a := NewPostgresQueue(db, "transaction_requests", 300*time.Millisecond)
	b := NewPostgresQueue(db, "recovery_payments", 300*time.Millisecond)

	require.NoError(t, a.Push(ctx, []byte("for-a")))

	_, err := b.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	got, err := a.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "for-a", string(got))
}
