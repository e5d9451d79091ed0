package membership

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dialer opens a connection; net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Peers are the addresses to probe (self is skipped).
	Peers []string

	// Port is the control port dialed on each peer.
	Port int

	// Interval between probe rounds. Default: 2s.
	Interval time.Duration

	// Timeout per dial. Default: 1s.
	Timeout time.Duration
}

// Prober marks peers alive or dead by dialing their control port.
//
// OnChange, when set, is called after every round in which the live set
// changed; it runs on the prober goroutine.
type Prober struct {
	list     *List
	cfg      ProberConfig
	dialer   Dialer
	log      *zap.Logger
	OnChange func(alive, dead []string)
}

func NewProber(list *List, cfg ProberConfig, log *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{
		list:   list,
		cfg:    cfg,
		dialer: &net.Dialer{},
		log:    log,
	}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Probe runs one round against every peer concurrently.
func (p *Prober) Probe(ctx context.Context) {
	var (
		mu          sync.Mutex
		alive, dead []string
		wg          sync.WaitGroup
	)
	for _, peer := range p.cfg.Peers {
		if peer == p.list.Self() {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ok := p.reachable(ctx, peer)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				if p.list.MarkAlive(peer) {
					alive = append(alive, peer)
				}
				return
			}
			if p.list.MarkDead(peer) {
				dead = append(dead, peer)
			}
		}(peer)
	}
	wg.Wait()

	for _, a := range alive {
		p.log.Info("Peer joined", zap.String("peer", a))
	}
	for _, d := range dead {
		p.log.Warn("Peer lost", zap.String("peer", d))
	}
	if (len(alive) > 0 || len(dead) > 0) && p.OnChange != nil {
		p.OnChange(alive, dead)
	}
}

func (p *Prober) reachable(ctx context.Context, peer string) bool {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(peer, strconv.Itoa(p.cfg.Port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
