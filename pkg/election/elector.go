// Package election runs bully-style leader election over the control
// protocol.
//
// A round sends ELECTION to every live node ordered above self. Any OK means
// a higher node is alive and will take over, so the round waits for its
// VICTORY. No OK means self is the highest reachable node: it records itself
// as leader and announces VICTORY to everyone else.
package election

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/pkg/control"
	"github.com/3leaps/maplejuice/pkg/membership"
)

// Messenger sends election messages to a peer. *control.Client satisfies it.
type Messenger interface {
	Election(ctx context.Context, host string) (string, error)
	Victory(ctx context.Context, host string) error
}

// State is the elector's position in a round.
type State int

const (
	StateIdle State = iota
	StateElecting
	StateAwaitingVictory
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateElecting:
		return "electing"
	case StateAwaitingVictory:
		return "awaiting_victory"
	case StateLeader:
		return "leader"
	}
	return "unknown"
}

// Config configures an Elector.
type Config struct {
	// VictoryTimeout bounds the wait for VICTORY after a higher node answered
	// OK. Default: 10s.
	VictoryTimeout time.Duration

	// RequestTimeout bounds each ELECTION or VICTORY exchange. Default: 3s.
	RequestTimeout time.Duration
}

// Elector drives election rounds. StartElection may be called from any
// goroutine; rounds run one at a time on the Run goroutine.
type Elector struct {
	view membership.View
	msg  Messenger
	cfg  Config
	log  *zap.Logger

	trigger chan struct{}
	victory chan string

	mu    sync.Mutex
	state State
}

var (
	_ control.Elector         = (*Elector)(nil)
	_ control.VictoryObserver = (*Elector)(nil)
	_ Messenger               = (*control.Client)(nil)
)

func New(view membership.View, msg Messenger, cfg Config, log *zap.Logger) *Elector {
	if cfg.VictoryTimeout <= 0 {
		cfg.VictoryTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Elector{
		view:    view,
		msg:     msg,
		cfg:     cfg,
		log:     log,
		trigger: make(chan struct{}, 1),
		victory: make(chan string, 1),
	}
}

func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("Election state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// StartElection requests a round without blocking. Requests made while one
// is already pending coalesce.
func (e *Elector) StartElection() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// ObserveVictory records that leader announced itself.
func (e *Elector) ObserveVictory(leader string) {
	if leader == e.view.Self() {
		e.setState(StateLeader)
	} else {
		e.setState(StateIdle)
	}
	select {
	case e.victory <- leader:
	default:
	}
}

// Run serves election requests until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			e.Elect(ctx)
		}
	}
}

// Elect runs one round synchronously and returns the resulting state.
func (e *Elector) Elect(ctx context.Context) State {
	select {
	case <-e.victory:
	default:
	}
	e.setState(StateElecting)

	self := e.view.Self()
	var higher []string
	for _, n := range e.view.LiveNodes() {
		if n.Address != self && e.view.IsAddressHigher(n.Address) {
			higher = append(higher, n.Address)
		}
	}

	if !e.anyAccepted(ctx, higher) {
		e.becomeLeader(ctx)
		return StateLeader
	}

	e.setState(StateAwaitingVictory)
	t := time.NewTimer(e.cfg.VictoryTimeout)
	defer t.Stop()
	select {
	case leader := <-e.victory:
		e.log.Info("Election settled", zap.String("leader", leader))
		return e.State()
	case <-t.C:
		e.log.Warn("No victory announced, restarting election", zap.Duration("waited", e.cfg.VictoryTimeout))
		e.setState(StateIdle)
		e.StartElection()
		return StateIdle
	case <-ctx.Done():
		e.setState(StateIdle)
		return StateIdle
	}
}

func (e *Elector) anyAccepted(ctx context.Context, hosts []string) bool {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted bool
	)
	for _, h := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			defer cancel()
			reply, err := e.msg.Election(rctx, host)
			if err != nil {
				e.log.Debug("Election request failed", zap.String("peer", host), zap.Error(err))
				return
			}
			if reply == control.ReplyOK {
				mu.Lock()
				accepted = true
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return accepted
}

func (e *Elector) becomeLeader(ctx context.Context) {
	self := e.view.Self()
	e.view.SetLeader(self)
	e.setState(StateLeader)
	e.log.Info("Elected leader", zap.String("leader", self))

	var wg sync.WaitGroup
	for _, n := range e.view.LiveNodes() {
		if n.Address == self {
			continue
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			defer cancel()
			if err := e.msg.Victory(rctx, host); err != nil {
				e.log.Warn("Failed to announce victory", zap.String("peer", host), zap.Error(err))
			}
		}(n.Address)
	}
	wg.Wait()
}
