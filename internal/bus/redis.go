package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Bus on Redis pub/sub. All channels share one subscriber
// connection, read by a single goroutine, so handlers observe messages in the
// order the server delivered them.
type Redis struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	log      *zap.Logger
	handlers map[string]map[*redisSub]struct{}
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// NewRedis starts the subscriber loop. The client stays owned by the caller.
func NewRedis(ctx context.Context, client *redis.Client, log *zap.Logger) *Redis {
	r := &Redis{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		log:      log.Named("bus.redis"),
		handlers: make(map[string]map[*redisSub]struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Redis) loop() {
	defer close(r.done)
	ctx := context.Background()
	for msg := range r.pubsub.Channel() {
		r.mu.RLock()
		subs := make([]*redisSub, 0, len(r.handlers[msg.Channel]))
		for s := range r.handlers[msg.Channel] {
			subs = append(subs, s)
		}
		r.mu.RUnlock()

		payload := []byte(msg.Payload)
		for _, s := range subs {
			s.handler(ctx, msg.Channel, payload)
		}
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	s := &redisSub{owner: r, channel: channel, handler: h}
	set := r.handlers[channel]
	if set == nil {
		if err := r.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, err
		}
		set = make(map[*redisSub]struct{})
		r.handlers[channel] = set
		r.log.Debug("subscribed", zap.String("channel", channel))
	}
	set[s] = struct{}{}
	return s, nil
}

func (r *Redis) unsubscribe(ctx context.Context, s *redisSub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.handlers[s.channel]
	if set == nil {
		return nil
	}
	delete(set, s)
	if len(set) > 0 {
		return nil
	}
	delete(r.handlers, s.channel)
	if r.closed {
		return nil
	}
	r.log.Debug("unsubscribed", zap.String("channel", s.channel))
	return r.pubsub.Unsubscribe(ctx, s.channel)
}

// Close stops the subscriber loop. It does not close the Redis client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.pubsub.Close()
	<-r.done
	return err
}

type redisSub struct {
	owner   *Redis
	handler Handler
	channel string
	once    sync.Once
}

func (s *redisSub) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() { err = s.owner.unsubscribe(ctx, s) })
	return err
}
