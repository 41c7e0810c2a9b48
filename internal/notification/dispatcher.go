package notification

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/protocol"
)

// MessageSource is satisfied by *queue.Consumer.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Sender is satisfied by *EmailNotifier.
type Sender interface {
	SendEventNotification(n *protocol.EventNotification) error
}

// Dispatcher turns event messages into emails
type Dispatcher struct {
	source MessageSource
	sender Sender
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(source MessageSource, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{source: source, sender: sender, logger: logger}
}

// Run consumes until ctx is cancelled. Undecodable messages are committed
// and skipped. A failed send leaves the offset uncommitted so the message
// is delivered again after a restart or rebalance.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msg, err := d.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("failed to consume message", zap.Error(err))
			continue
		}

		d.handle(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) {
	n, err := protocol.DecodeEventNotification(msg.Value)
	if err != nil {
		d.logger.Error("failed to decode notification", zap.Int64("offset", msg.Offset), zap.Error(err))
		d.commit(ctx, msg)
		return
	}

	if err := d.sender.SendEventNotification(n); err != nil {
		if errors.Is(err, ErrUnknownType) {
			d.logger.Warn("ignoring notification", zap.String("type", n.Type))
			d.commit(ctx, msg)
			return
		}
		d.logger.Error("failed to send notification",
			zap.String("event_id", n.EventID),
			zap.Error(err),
		)
		return
	}

	d.commit(ctx, msg)
}

func (d *Dispatcher) commit(ctx context.Context, msg kafka.Message) {
	if err := d.source.Commit(ctx, msg); err != nil {
		d.logger.Error("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}
