package dashboard

import (
	"context"
	"errors"
	"sync"

	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/sirupsen/logrus"
)

var ErrNoCredential = errors.New("dashboard: no api key for session")

// SessionFactory builds an unstarted session for an API key.
type SessionFactory func(apiKey string) *Session

type managedSession struct {
	session *Session
	refs    int
}

// Manager keeps one reference-counted session per API key.
type Manager struct {
	factory SessionFactory
	logger  *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
}

func NewManager(factory SessionFactory, logger *logrus.Logger) *Manager {
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*managedSession),
	}
}

// Acquire returns the session for apiKey, creating and starting it on first
// use. It waits for the first snapshot or for ctx to end.
func (m *Manager) Acquire(ctx context.Context, apiKey string) (*Session, error) {
	if apiKey == "" {
		return nil, ErrNoCredential
	}

	m.mu.Lock()
	ms, ok := m.sessions[apiKey]
	if ok {
		ms.refs++
	} else {
		ms = &managedSession{session: m.factory(apiKey), refs: 1}
		m.sessions[apiKey] = ms
		m.logger.WithField("api_key", metacopier.MaskKey(apiKey)).Info("Opening dashboard session")
		go ms.session.Start(context.Background())
	}
	m.mu.Unlock()

	select {
	case <-ms.session.Ready():
		return ms.session, nil
	case <-ctx.Done():
		m.Release(apiKey)
		return nil, ctx.Err()
	}
}

// Lookup returns the active session for apiKey without taking a reference.
func (m *Manager) Lookup(apiKey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[apiKey]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Release drops one reference and closes the session when none remain.
func (m *Manager) Release(apiKey string) {
	m.mu.Lock()
	ms, ok := m.sessions[apiKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	ms.refs--
	if ms.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, apiKey)
	m.mu.Unlock()

	m.logger.WithField("api_key", metacopier.MaskKey(apiKey)).Info("Closing dashboard session")
	ms.session.Close()
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, ms := range sessions {
		ms.session.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
