package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// handlerTimeout bounds a single message handler.
const handlerTimeout = 10 * time.Minute

// NATSBus is a Bus over a NATS connection owned by the caller.
type NATSBus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSBus wraps nc.
func NewNATSBus(nc *nats.Conn, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{nc: nc, logger: logger}
}

func (b *NATSBus) Publish(_ context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe runs h on the NATS delivery goroutine with a context derived
// from ctx, so cancelling ctx cancels in-flight handlers.
func (b *NATSBus) Subscribe(ctx context.Context, subject, queue string, h Handler) (func() error, error) {
	cb := func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		h(hctx, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = b.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = b.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.logger.Info("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub.Unsubscribe, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.nc.Flush()
}

// Close drains nothing; the connection belongs to the caller.
func (b *NATSBus) Close() error { return nil }
