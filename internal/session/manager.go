// Package session owns the per-wallet components: a purchase orchestrator, a
// reward reconciler with its live subscription, and a balance oracle. A session
// starts when a wallet connects and is torn down when it disconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/logging"
	"github.com/R3E-Network/course_market/internal/metrics"
	"github.com/R3E-Network/course_market/internal/oracle"
	"github.com/R3E-Network/course_market/internal/purchase"
	"github.com/R3E-Network/course_market/internal/rewards"
)

// ErrNotConnected is returned for addresses without a session.
var ErrNotConnected = errors.New("wallet not connected")

// Ledger is everything a session needs from the chain client.
type Ledger interface {
	purchase.Ledger
	rewards.Ledger
	oracle.Caller
}

// Deps are the shared collaborators of all sessions.
type Deps struct {
	Ledger     Ledger
	Subscriber chain.LogSubscriber // optional; without it rewards update on refresh only
	Catalog    *market.Catalog
	Contracts  chain.ContractAddresses

	TxWaitTimeout time.Duration
	ReceiptPoll   time.Duration
	OracleMaxAge  time.Duration
	Rewards       rewards.Config

	Log *logging.Logger
}

// Session is the state owned by one connected wallet.
type Session struct {
	Address      common.Address
	Orchestrator *purchase.Orchestrator
	Rewards      *rewards.Reconciler
	Oracle       *oracle.Oracle
	ConnectedAt  time.Time

	cancel context.CancelFunc
	sub    *chain.Subscription
}

func (s *Session) close() {
	s.cancel()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.Orchestrator.Close()
}

// Manager tracks the sessions of all connected wallets.
type Manager struct {
	deps Deps
	log  *logging.Logger

	mu       sync.RWMutex
	sessions map[common.Address]*Session

	cron *cron.Cron
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	deps.Rewards.Contract = deps.Contracts.Rewards
	return &Manager{
		deps:     deps,
		log:      logging.OrDiscard(deps.Log).WithComponent("session"),
		sessions: make(map[common.Address]*Session),
	}
}

// Connect starts a session for addr, or returns the existing one. The live
// subscription is opened before the history scan so events emitted during the
// scan are not missed; overlap is removed by the reconciler.
func (m *Manager) Connect(ctx context.Context, addr common.Address) (*Session, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("connect: %w", ErrNotConnected)
	}
	if s, ok := m.Get(addr); ok {
		return s, nil
	}

	s := m.newSession(addr)
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if m.deps.Subscriber != nil {
		sub, err := m.deps.Subscriber.SubscribeLogs(sctx, s.Rewards.LiveQuery(), func(l types.Log) {
			s.Rewards.OnLiveEvent(sctx, l)
		})
		if err != nil {
			m.log.WithError(err).WithField("address", addr.Hex()).Warn("live reward subscription unavailable")
		} else {
			s.sub = sub
		}
	}

	if err := s.Rewards.Refresh(ctx); err != nil {
		// Partial or failed scans are visible through the reward view.
		m.log.WithError(err).WithField("address", addr.Hex()).Warn("initial reward scan incomplete")
	}

	m.mu.Lock()
	if existing, ok := m.sessions[addr]; ok {
		m.mu.Unlock()
		s.close()
		return existing, nil
	}
	m.sessions[addr] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(n)
	m.log.WithField("address", addr.Hex()).Info("wallet connected")
	return s, nil
}

func (m *Manager) newSession(addr common.Address) *Session {
	o := oracle.New(m.deps.Ledger, m.deps.Contracts.Token, m.deps.OracleMaxAge, m.deps.Log)
	return &Session{
		Address: addr,
		Oracle:  o,
		Orchestrator: purchase.New(purchase.Config{
			Buyer:         addr,
			Token:         m.deps.Contracts.Token,
			Marketplace:   m.deps.Contracts.Marketplace,
			TxWaitTimeout: m.deps.TxWaitTimeout,
			ReceiptPoll:   m.deps.ReceiptPoll,
		}, m.deps.Ledger, o, m.deps.Catalog, m.deps.Log),
		Rewards:     rewards.New(m.deps.Rewards, m.deps.Ledger, addr, m.deps.Log),
		ConnectedAt: time.Now().UTC(),
	}
}

// Disconnect tears down the session of addr. It reports whether one existed.
func (m *Manager) Disconnect(addr common.Address) bool {
	m.mu.Lock()
	s, ok := m.sessions[addr]
	delete(m.sessions, addr)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	metrics.SetActiveSessions(n)
	m.log.WithField("address", addr.Hex()).Info("wallet disconnected")
	return true
}

// Get returns the session of addr.
func (m *Manager) Get(addr common.Address) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[addr]
	return s, ok
}

// Sessions returns all sessions ordered by address.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// RefreshAll re-scans rewards and reconciles pending purchases of every session.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, s := range m.Sessions() {
		if err := s.Rewards.Refresh(ctx); err != nil {
			m.log.WithError(err).WithField("address", s.Address.Hex()).Warn("scheduled reward refresh incomplete")
		}
		if s.Orchestrator.Pending() == 0 {
			continue
		}
		if _, err := s.Orchestrator.Reconcile(ctx); err != nil {
			m.log.WithError(err).WithField("address", s.Address.Hex()).Warn("pending purchase reconciliation failed")
		}
	}
}

// StartScheduler runs RefreshAll on the given cron spec (for example "@every 5m").
func (m *Manager) StartScheduler(spec string, timeout time.Duration) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		m.RefreshAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reward refresh %q: %w", spec, err)
	}
	m.cron = c
	c.Start()
	m.log.WithField("spec", spec).Info("reward refresh scheduled")
	return nil
}

// Close stops the scheduler and disconnects every session.
func (m *Manager) Close() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	for _, s := range m.Sessions() {
		m.Disconnect(s.Address)
	}
}
