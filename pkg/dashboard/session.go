package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus"
)

const topicRefresh = "session:refresh"

// Stream is the push channel a session attaches to.
type Stream interface {
	Connect(ctx context.Context) error
	OnUpdate(handler metacopier.UpdateHandler) func()
	Disconnect()
	Connected() bool
}

type SessionOptions struct {
	// RefreshInterval is the polling period; zero disables polling.
	RefreshInterval time.Duration
}

type Listener func(accounts []models.Account)

// Session owns the account state of one credential: the snapshot fetcher,
// the push stream and the poll loop that keeps the list fresh.
type Session struct {
	fetcher metacopier.Fetcher
	stream  Stream
	engine  *Engine
	logger  *logrus.Logger
	opts    SessionOptions
	bus     EventBus.Bus
	now     func() time.Time

	mu                sync.Mutex
	accounts          []models.Account
	hasSnapshot       bool
	snapshotStarted   time.Time
	infoPatches       map[string]*infoPatch
	positionPatchedAt map[string]time.Time
	attachTried       bool
	unregister        func()

	// notifyMu keeps listener calls in state order without holding mu.
	notifyMu     sync.Mutex
	listeners    map[uint64]Listener
	nextListener uint64

	refreshing     atomic.Bool
	refreshPending atomic.Bool

	runCtx    context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewSession builds a session. stream may be nil for polling-only operation.
func NewSession(fetcher metacopier.Fetcher, stream Stream, opts SessionOptions, logger *logrus.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		fetcher:           fetcher,
		stream:            stream,
		engine:            NewEngine(logger),
		logger:            logger,
		opts:              opts,
		bus:               EventBus.New(),
		now:               time.Now,
		accounts:          []models.Account{},
		infoPatches:       make(map[string]*infoPatch),
		positionPatchedAt: make(map[string]time.Time),
		listeners:         make(map[uint64]Listener),
		runCtx:            ctx,
		cancel:            cancel,
		ready:             make(chan struct{}),
	}
}

// Start fetches the first snapshot, attaches the stream when that snapshot
// is non-empty and starts polling. Later calls are no-ops.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		defer close(s.ready)

		if err := s.bus.SubscribeAsync(topicRefresh, s.handleRefreshRequest, false); err != nil {
			s.logger.WithError(err).Error("Failed to subscribe refresh handler")
		}

		s.Refresh(ctx)

		if s.opts.RefreshInterval > 0 {
			go s.poll(s.runCtx)
		}
	})
}

// Ready is closed once the first snapshot has been applied.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Refresh re-fetches the snapshot and replaces the account list. Closing the
// session cancels a refresh in flight.
func (s *Session) Refresh(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	started := s.now()
	accounts := s.fetcher.Snapshot(ctx)
	if s.runCtx.Err() != nil {
		return
	}
	s.applySnapshot(accounts, started)
	s.attach(ctx)
}

// Accounts returns a copy of the current list.
func (s *Session) Accounts() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneAccounts(s.accounts)
}

func (s *Session) Summary() models.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Summarize(s.accounts)
}

// Live reports whether the push stream is attached and connected.
func (s *Session) Live() bool {
	s.mu.Lock()
	attached := s.unregister != nil
	s.mu.Unlock()
	return attached && s.stream.Connected()
}

// Subscribe registers a listener called with a copy of the list after every
// state change. Listeners must not block or call back into the session.
func (s *Session) Subscribe(l Listener) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.nextListener++
	id := s.nextListener
	s.listeners[id] = l

	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

// Close detaches from the stream, stops polling and drops listeners. It does
// not wait for a snapshot fetch already in flight.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		unregister := s.unregister
		s.unregister = nil
		s.mu.Unlock()

		if unregister != nil {
			unregister()
			s.stream.Disconnect()
		}
		if s.bus.HasCallback(topicRefresh) {
			_ = s.bus.Unsubscribe(topicRefresh, s.handleRefreshRequest)
		}

		s.notifyMu.Lock()
		s.listeners = make(map[uint64]Listener)
		s.notifyMu.Unlock()
	})
}

func (s *Session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// handleRefreshRequest runs on the bus goroutine. Requests arriving while a
// refresh is running are coalesced into one more refresh.
func (s *Session) handleRefreshRequest() {
	s.refreshPending.Store(true)
	for {
		if !s.refreshing.CompareAndSwap(false, true) {
			return
		}
		for s.refreshPending.Swap(false) {
			if s.runCtx.Err() != nil {
				break
			}
			s.Refresh(s.runCtx)
		}
		s.refreshing.Store(false)
		if !s.refreshPending.Load() || s.runCtx.Err() != nil {
			return
		}
	}
}

// attach connects the stream once, after a non-empty snapshot. A failure is
// not retried; the session keeps polling.
func (s *Session) attach(ctx context.Context) {
	s.mu.Lock()
	if s.stream == nil || s.attachTried || len(s.accounts) == 0 {
		s.mu.Unlock()
		return
	}
	s.attachTried = true
	s.mu.Unlock()

	unregister := s.stream.OnUpdate(s.handleUpdate)
	if err := s.stream.Connect(ctx); err != nil {
		unregister()
		s.logger.WithError(err).Warn("Live updates unavailable, falling back to polling")
		return
	}

	s.mu.Lock()
	closed := s.runCtx.Err() != nil
	if !closed {
		s.unregister = unregister
	}
	s.mu.Unlock()

	if closed {
		unregister()
		s.stream.Disconnect()
	}
}

func (s *Session) handleUpdate(u metacopier.Update) {
	s.mu.Lock()
	if !s.hasSnapshot {
		s.mu.Unlock()
		return
	}

	res := s.engine.Apply(s.accounts, u)
	if !res.Changed {
		s.mu.Unlock()
		if res.Refresh {
			s.bus.Publish(topicRefresh)
		}
		return
	}

	s.accounts = res.Accounts
	switch u.Type {
	case metacopier.UpdateAccountInformation:
		p, ok := s.infoPatches[res.AccountID]
		if !ok {
			p = &infoPatch{}
			s.infoPatches[res.AccountID] = p
		}
		p.record(u.Info, s.now())
	case metacopier.UpdateOpenPositions:
		s.positionPatchedAt[res.AccountID] = s.now()
	}
	s.publishLocked()
}

// applySnapshot replaces the list with fresh. Fields patched by the stream
// after the fetch started keep their patched values, so a slow snapshot does
// not roll back a newer update. Every other field follows the snapshot.
func (s *Session) applySnapshot(fresh []models.Account, started time.Time) {
	s.mu.Lock()
	if started.Before(s.snapshotStarted) {
		s.mu.Unlock()
		s.logger.Debug("Discarding snapshot overtaken by a newer one")
		return
	}
	s.snapshotStarted = started

	current := make(map[string]models.Account, len(s.accounts))
	for _, a := range s.accounts {
		current[a.ID] = a
	}

	merged := make([]models.Account, len(fresh))
	for i, a := range fresh {
		if cur, ok := current[a.ID]; ok {
			if p, ok := s.infoPatches[a.ID]; ok {
				p.restore(&a, cur, started)
			}
			if at, ok := s.positionPatchedAt[a.ID]; ok && at.After(started) {
				a.Positions = cur.Positions
			}
		}
		merged[i] = a
	}

	s.accounts = merged
	s.hasSnapshot = true
	for id, p := range s.infoPatches {
		if !p.latest().After(started) {
			delete(s.infoPatches, id)
		}
	}
	pruneBefore(s.positionPatchedAt, started)
	s.publishLocked()
}

// publishLocked releases mu and notifies listeners of the current state.
func (s *Session) publishLocked() {
	snapshot := models.CloneAccounts(s.accounts)
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, l := range s.listeners {
		l(snapshot)
	}
}

func pruneBefore(m map[string]time.Time, t time.Time) {
	for id, at := range m {
		if !at.After(t) {
			delete(m, id)
		}
	}
}

// infoPatch holds when each account-information field was last set by the
// stream. Status is set by every account-information update.
type infoPatch struct {
	balance     time.Time
	equity      time.Time
	margin      time.Time
	freeMargin  time.Time
	marginLevel time.Time
	openPnL     time.Time
	status      time.Time
}

func (p *infoPatch) record(info metacopier.AccountInformation, at time.Time) {
	if info.Balance != nil {
		p.balance = at
	}
	if info.Equity != nil {
		p.equity = at
	}
	if info.Margin != nil {
		p.margin = at
	}
	if info.FreeMargin != nil {
		p.freeMargin = at
	}
	if info.MarginLevel != nil {
		p.marginLevel = at
	}
	if info.UnrealizedProfit != nil {
		p.openPnL = at
	}
	p.status = at
}

// restore copies into dst the fields of cur patched after since.
func (p *infoPatch) restore(dst *models.Account, cur models.Account, since time.Time) {
	if p.balance.After(since) {
		dst.Balance = cur.Balance
	}
	if p.equity.After(since) {
		dst.Equity = cur.Equity
	}
	if p.margin.After(since) {
		dst.Margin = cur.Margin
	}
	if p.freeMargin.After(since) {
		dst.FreeMargin = cur.FreeMargin
	}
	if p.marginLevel.After(since) {
		dst.MarginLevel = cur.MarginLevel
	}
	if p.openPnL.After(since) {
		dst.OpenPnL = cur.OpenPnL
	}
	if p.status.After(since) {
		dst.Status = cur.Status
	}
}

func (p *infoPatch) latest() time.Time {
	latest := p.status
	for _, t := range []time.Time{p.balance, p.equity, p.margin, p.freeMargin, p.marginLevel, p.openPnL} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
