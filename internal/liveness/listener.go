package liveness

import (
	"context"
	"log/slog"

	"github.com/sazuyakun/Project-Aegis/internal/queue"
)

// Listener consumes rail liveness events from the bus and feeds them
// into the registry. It also consumes recovery status updates, which
// today are only logged.
type Listener struct {
	registry *Registry
	sub      queue.Subscriber
	logger   *slog.Logger

	livenessTopic string
	statusTopic   string
}

// NewListener wires a listener to a registry and subscriber.
func NewListener(registry *Registry, sub queue.Subscriber, livenessTopic, statusTopic string, logger *slog.Logger) *Listener {
	return &Listener{
		registry:      registry,
		sub:           sub,
		logger:        logger,
		livenessTopic: livenessTopic,
		statusTopic:   statusTopic,
	}
}

// Run consumes both topics until the context is cancelled or the
// subscriber channels close. Malformed events are logged and skipped.
func (l *Listener) Run(ctx context.Context) error {
	events := l.sub.Subscribe(l.livenessTopic)
	updates := l.sub.Subscribe(l.statusTopic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case payload, ok := <-events:
			if !ok {
				return queue.ErrClosed
			}
			l.handleLiveness(payload)

		case payload, ok := <-updates:
			if !ok {
				return queue.ErrClosed
			}
			l.handleStatusUpdate(payload)
		}
	}
}

func (l *Listener) handleLiveness(payload []byte) {
	var event queue.LivenessEvent
	if err := queue.Decode(payload, &event); err != nil {
		l.logger.Warn("dropping malformed liveness event", "error", err)
		return
	}
	if event.RailID == "" {
		l.logger.Warn("dropping liveness event without bank_id")
		return
	}
	if event.Status == "" {
		l.logger.Warn("dropping liveness event without status", "rail", event.RailID)
		return
	}

	status := ParseStatus(event.Status)
	transitioned := l.registry.SetStatus(event.RailID, status)
	l.logger.Info("rail status updated",
		"rail", event.RailID,
		"status", status,
		"recovered", transitioned)
}

func (l *Listener) handleStatusUpdate(payload []byte) {
	var update queue.RecoveryStatusUpdate
	if err := queue.Decode(payload, &update); err != nil {
		l.logger.Warn("dropping malformed recovery status update", "error", err)
		return
	}
	l.logger.Info("recovery status update",
		"recovery_id", update.RecoveryID,
		"status", update.Status)
}
