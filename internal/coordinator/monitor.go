package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Peer process status values.
const (
	StatusAlive = "alive"
	StatusDead  = "dead"
)

// maxDeadPeers bounds how many dead peers are remembered. Process ids are
// fresh on every start, so dead entries would otherwise pile up. A peer
// forgotten this way is treated as new if it ever speaks again.
const maxDeadPeers = 64

// ProcessHealth is what the monitor knows about one peer process.
type ProcessHealth struct {
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	ProcessID string    `json:"processId"`
	Status    string    `json:"status"`
}

// ProcessMonitor tracks when each peer process was last heard from and
// declares it dead once it has been silent for longer than timeout.
// Thread-safe.
type ProcessMonitor struct {
	processes map[string]*ProcessHealth
	onDead    func(processID string)
	now       func() time.Time
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	timeout   time.Duration
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// NewProcessMonitor checks peers every interval.
func NewProcessMonitor(interval, timeout time.Duration, log *zap.Logger) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessMonitor{
		processes: make(map[string]*ProcessHealth),
		now:       time.Now,
		log:       log.Named("monitor"),
		ctx:       ctx,
		cancel:    cancel,
		interval:  interval,
		timeout:   timeout,
	}
}

// SetOnDead sets the callback invoked, outside the monitor lock, each time a
// peer is declared dead.
func (m *ProcessMonitor) SetOnDead(fn func(processID string)) {
	m.mu.Lock()
	m.onDead = fn
	m.mu.Unlock()
}

// Seen records a sign of life. revived is true when the peer had been
// declared dead before.
func (m *ProcessMonitor) Seen(processID string) (revived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	p, ok := m.processes[processID]
	if !ok {
		m.processes[processID] = &ProcessHealth{
			FirstSeen: now,
			LastSeen:  now,
			ProcessID: processID,
			Status:    StatusAlive,
		}
		m.log.Info("peer process discovered", zap.String("process", processID))
		return false
	}
	p.LastSeen = now
	if p.Status == StatusDead {
		p.Status = StatusAlive
		m.log.Info("peer process is back", zap.String("process", processID))
		return true
	}
	return false
}

// Start checks peers until ctx or Stop cancels it. It blocks.
func (m *ProcessMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels Start and waits for it to return.
func (m *ProcessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *ProcessMonitor) check() {
	var dead []string

	m.mu.Lock()
	now := m.now()
	for id, p := range m.processes {
		if p.Status == StatusAlive && now.Sub(p.LastSeen) > m.timeout {
			p.Status = StatusDead
			dead = append(dead, id)
			m.log.Warn("peer process timed out",
				zap.String("process", id),
				zap.Duration("silent", now.Sub(p.LastSeen)),
			)
		}
	}
	m.forgetOldestDead()
	onDead := m.onDead
	m.mu.Unlock()

	if onDead == nil {
		return
	}
	slices.Sort(dead)
	for _, id := range dead {
		onDead(id)
	}
}

// forgetOldestDead drops the dead peers silent the longest beyond
// maxDeadPeers. Callers hold m.mu.
func (m *ProcessMonitor) forgetOldestDead() {
	var dead []*ProcessHealth
	for _, p := range m.processes {
		if p.Status == StatusDead {
			dead = append(dead, p)
		}
	}
	if len(dead) <= maxDeadPeers {
		return
	}
	slices.SortFunc(dead, func(a, b *ProcessHealth) int {
		return a.LastSeen.Compare(b.LastSeen)
	})
	for _, p := range dead[:len(dead)-maxDeadPeers] {
		delete(m.processes, p.ProcessID)
		m.log.Debug("forgot dead peer process", zap.String("process", p.ProcessID))
	}
}

// Processes returns a copy of every known peer ordered by id.
func (m *ProcessMonitor) Processes() []ProcessHealth {
	m.mu.RLock()
	out := make([]ProcessHealth, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, *p)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b ProcessHealth) int {
		switch {
		case a.ProcessID < b.ProcessID:
			return -1
		case a.ProcessID > b.ProcessID:
			return 1
		}
		return 0
	})
	return out
}

func (m *ProcessMonitor) setClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// IsAlive reports whether processID is known and not declared dead.
func (m *ProcessMonitor) IsAlive(processID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[processID]
	return ok && p.Status == StatusAlive
}
