package bus

import (
	"context"
	"sync"
)

// Broker is an in-process stand-in for a pub/sub server. Several Memory buses
// attached to one Broker behave like separate processes sharing Redis: every
// subscriber of a channel observes the same publish order.
type Broker struct {
	subs map[string]map[*memorySub]struct{}
	mu   sync.Mutex
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *Broker) publish(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		s.enqueue(append([]byte(nil), payload...))
	}
}

func (b *Broker) add(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.channel]
	if set == nil {
		set = make(map[*memorySub]struct{})
		b.subs[s.channel] = set
	}
	set[s] = struct{}{}
}

func (b *Broker) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

// Memory is one process's connection to a Broker.
type Memory struct {
	broker *Broker
	subs   map[*memorySub]struct{}
	mu     sync.Mutex
	closed bool
}

// NewMemory attaches a new bus client to broker.
func NewMemory(broker *Broker) *Memory {
	return &Memory{broker: broker, subs: make(map[*memorySub]struct{})}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.broker.publish(channel, payload)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := newMemorySub(m, channel, h)
	m.subs[s] = struct{}{}
	m.broker.add(s)
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*memorySub]struct{})
	m.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

// memorySub delivers on its own goroutine from an unbounded queue so a slow
// handler never blocks the publisher.
type memorySub struct {
	owner   *Memory
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	queue   [][]byte
	channel string
	cond    *sync.Cond
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newMemorySub(owner *Memory, channel string, h Handler) *memorySub {
	ctx, cancel := context.WithCancel(context.Background())
	s := &memorySub{
		owner:   owner,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		channel: channel,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *memorySub) enqueue(p []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *memorySub) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(s.ctx, s.channel, p)
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		s.owner.broker.remove(s)
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		s.cond.Broadcast()
	})
}

func (s *memorySub) Unsubscribe(context.Context) error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.stop()
	return nil
}
