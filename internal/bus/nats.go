package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS is a Bus on core NATS subjects. The bus channel name is used as the
// subject. Each subscription is delivered in order on its own goroutine.
type NATS struct {
	conn   *nats.Conn
	log    *zap.Logger
	mu     sync.Mutex
	closed bool
}

// NewNATS wraps an established connection. The connection stays owned by the
// caller.
func NewNATS(conn *nats.Conn, log *zap.Logger) *NATS {
	return &NATS{conn: conn, log: log.Named("bus.nats")}
}

func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return n.conn.Publish(channel, payload)
}

func (n *NATS) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := n.conn.Subscribe(channel, func(m *nats.Msg) {
		h(ctx, m.Subject, m.Data)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	n.log.Debug("subscribed", zap.String("subject", channel))
	return &natsSub{sub: sub, cancel: cancel}, nil
}

// Close flushes pending publishes. The connection itself stays open.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.conn.Flush()
}

type natsSub struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *natsSub) Unsubscribe(context.Context) error {
	s.cancel()
	return s.sub.Unsubscribe()
}
