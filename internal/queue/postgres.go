package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sazuyakun/Project-Aegis/internal/metrics"
)

// PostgresQueue is a durable FIFO queue backed by a single Postgres
// table. Concurrent consumers claim rows with FOR UPDATE SKIP LOCKED,
// so a message is delivered to exactly one of them.
type PostgresQueue struct {
	name   string
	window time.Duration
	poll   time.Duration
	db     *sql.DB
}

// NewPostgresQueue creates a Postgres-backed queue. window bounds how
// long Pop blocks before returning ErrEmpty; the table is polled every
// 250ms within that window.
func NewPostgresQueue(db *sql.DB, name string, window time.Duration) *PostgresQueue {
	return &PostgresQueue{
		name:   name,
		window: window,
		poll:   250 * time.Millisecond,
		db:     db,
	}
}

func (q *PostgresQueue) Name() string { return q.name }

func (q *PostgresQueue) Push(ctx context.Context, payload []byte) error {
	return q.insert(ctx, payload)
}

// Requeue appends to the tail, same as Push: a retried message goes
// behind everything already waiting.
func (q *PostgresQueue) Requeue(ctx context.Context, payload []byte) error {
	return q.insert(ctx, payload)
}

func (q *PostgresQueue) insert(ctx context.Context, payload []byte) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, payload, enqueued_at)
		VALUES ($1, $2, $3)
	`, q.name, payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	if n, lerr := q.Len(ctx); lerr == nil {
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	}
	return nil
}

func (q *PostgresQueue) Pop(ctx context.Context) ([]byte, error) {
	deadline := time.NewTimer(q.window)
	defer deadline.Stop()
	tick := time.NewTicker(q.poll)
	defer tick.Stop()

	for {
		payload, ok, err := q.claim(ctx)
		if err != nil || ok {
			return payload, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-tick.C:
		}
	}
}

// claim atomically removes the oldest row for this queue. SKIP LOCKED
// lets concurrent consumers pass over rows another transaction is
// already deleting.
func (q *PostgresQueue) claim(ctx context.Context) ([]byte, bool, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		DELETE FROM queue_messages
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $1
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload
	`, q.name).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim message: %w", err)
	}

	if n, lerr := q.Len(ctx); lerr == nil {
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	}
	return payload, true, nil
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_messages WHERE queue = $1
	`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
