// Package discovery announces the coordinator on the local network with mDNS
// and keeps a list of peer coordinators found the same way. Peers are only
// reported; the bus is what connects processes.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const processKey = "process="

// Config describes the announced service.
type Config struct {
	Service        string
	Domain         string
	Instance       string
	ProcessID      string
	Port           int
	BrowseInterval time.Duration
}

// Peer is a coordinator seen on the network.
type Peer struct {
	LastSeen  time.Time `json:"lastSeen"`
	Instance  string    `json:"instance"`
	Host      string    `json:"host"`
	ProcessID string    `json:"processId,omitempty"`
	Addrs     []string  `json:"addrs"`
	Port      int       `json:"port"`
}

// Announcer registers the service and browses for peers.
type Announcer struct {
	cfg    Config
	log    *zap.Logger
	server *zeroconf.Server
	peers  map[string]Peer
	cancel context.CancelFunc
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewAnnouncer fills in defaults: the instance name is derived from the host
// name and peers are browsed every 30 seconds.
func NewAnnouncer(cfg Config, log *zap.Logger) *Announcer {
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	if cfg.Instance == "" {
		host, _ := os.Hostname()
		cfg.Instance = fmt.Sprintf("%s-%s", "CollabText", host)
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = 30 * time.Second
	}
	return &Announcer{cfg: cfg, log: log.Named("discovery"), peers: make(map[string]Peer)}
}

// Name identifies the service in logs.
func (a *Announcer) Name() string { return "discovery" }

// Start registers the service and starts browsing in the background.
func (a *Announcer) Start(ctx context.Context) error {
	server, err := zeroconf.Register(
		a.cfg.Instance,
		a.cfg.Service,
		a.cfg.Domain,
		a.cfg.Port,
		[]string{"txtv=0", processKey + a.cfg.ProcessID},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server
	a.log.Info("mDNS service registered",
		zap.String("service", a.cfg.Service),
		zap.String("instance", a.cfg.Instance),
		zap.Int("port", a.cfg.Port),
	)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.browseLoop(ctx, resolver)
	}()
	return nil
}

func (a *Announcer) browseLoop(ctx context.Context, resolver *zeroconf.Resolver) {
	for {
		a.browseOnce(ctx, resolver)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.BrowseInterval):
		}
	}
}

// browseOnce collects answers for a fraction of the browse interval. The
// resolver closes entries when the context ends.
func (a *Announcer) browseOnce(ctx context.Context, resolver *zeroconf.Resolver) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.BrowseInterval/2)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			a.record(entry, time.Now())
		}
	}()
	if err := resolver.Browse(ctx, a.cfg.Service, a.cfg.Domain, entries); err != nil {
		a.log.Warn("mDNS browse failed", zap.Error(err))
		cancel()
	}
	<-ctx.Done()
	<-done
}

func (a *Announcer) record(entry *zeroconf.ServiceEntry, now time.Time) {
	if entry == nil {
		return
	}
	p := Peer{
		LastSeen: now,
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
	}
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, processKey) {
			p.ProcessID = strings.TrimPrefix(txt, processKey)
		}
	}
	if p.ProcessID != "" && p.ProcessID == a.cfg.ProcessID {
		return
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}

	a.mu.Lock()
	_, known := a.peers[p.Instance]
	a.peers[p.Instance] = p
	a.mu.Unlock()
	if !known {
		a.log.Info("mDNS discovered peer",
			zap.String("instance", p.Instance),
			zap.Strings("addrs", p.Addrs),
			zap.Int("port", p.Port),
		)
	}
}

// Peers returns the discovered peers ordered by instance name.
func (a *Announcer) Peers() []Peer {
	a.mu.RLock()
	out := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	a.mu.RUnlock()
	slices.SortFunc(out, func(x, y Peer) int {
		switch {
		case x.Instance < y.Instance:
			return -1
		case x.Instance > y.Instance:
			return 1
		}
		return 0
	})
	return out
}

// Stop ends browsing and withdraws the announcement.
func (a *Announcer) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.server != nil {
		a.server.Shutdown()
	}
	a.log.Info("mDNS browsing finished")
	return nil
}
