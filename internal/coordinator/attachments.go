package coordinator

import (
	"sync"

	"collabtext/coordinator/internal/bus"
)

// attachments reference counts bus subscriptions. The first acquire of a key
// opens the subscription and the last release closes it; both run under the
// key's own lock so one slow subscribe never holds up other keys.
type attachments struct {
	entries map[string]*attachment
	mu      sync.Mutex
}

type attachment struct {
	sub  bus.Subscription
	refs int
	mu   sync.Mutex
	dead bool
}

func newAttachments() *attachments {
	return &attachments{entries: make(map[string]*attachment)}
}

func (a *attachments) acquire(key string, open func() (bus.Subscription, error)) error {
	for {
		a.mu.Lock()
		e := a.entries[key]
		if e == nil {
			e = &attachment{}
			a.entries[key] = e
		}
		a.mu.Unlock()

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if e.refs == 0 {
			sub, err := open()
			if err != nil {
				e.dead = true
				a.remove(key, e)
				e.mu.Unlock()
				return err
			}
			e.sub = sub
		}
		e.refs++
		e.mu.Unlock()
		return nil
	}
}

func (a *attachments) release(key string, closeFn func(bus.Subscription)) {
	a.mu.Lock()
	e := a.entries[key]
	a.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.dead = true
	a.remove(key, e)
	closeFn(e.sub)
}

func (a *attachments) remove(key string, e *attachment) {
	a.mu.Lock()
	if a.entries[key] == e {
		delete(a.entries, key)
	}
	a.mu.Unlock()
}

// has reports whether key is attached or being attached.
func (a *attachments) has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[key]
	return ok
}

func (a *attachments) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for k := range a.entries {
		out = append(out, k)
	}
	return out
}

func (a *attachments) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
