// Package session keeps one sync engine per authenticated user:
// created on the first authenticated request, torn down on logout.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/groupsync/internal/engine"
)

type Factory func(userID string) *engine.Engine

// slot is the per-user latch: the creating goroutine closes ready once
// Start resolves, everyone else waits on it instead of the map lock.
type slot struct {
	ready chan struct{}
	eng   *engine.Engine
	err   error
}

type Manager struct {
	factory Factory
	log     *zap.SugaredLogger

	mu    sync.Mutex
	slots map[string]*slot
}

func NewManager(factory Factory, log *zap.SugaredLogger) *Manager {
	return &Manager{
		factory: factory,
		log:     log,
		slots:   make(map[string]*slot),
	}
}

// Get returns the user's engine, starting one if none exists. Start
// hits the backend, so the map lock is never held across it; a second
// caller for the same user waits on the first one's slot. A failed
// start is not cached, the next Get retries.
func (m *Manager) Get(ctx context.Context, userID string) (*engine.Engine, error) {
	m.mu.Lock()
	s, ok := m.slots[userID]
	if ok {
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.eng, s.err
	}
	s = &slot{ready: make(chan struct{})}
	m.slots[userID] = s
	m.mu.Unlock()

	e := m.factory(userID)
	if err := e.Start(ctx); err != nil {
		s.err = err
		m.mu.Lock()
		delete(m.slots, userID)
		m.mu.Unlock()
		close(s.ready)
		return nil, err
	}
	s.eng = e
	close(s.ready)
	m.log.Infow("session started", "user", userID)
	return e, nil
}

// End tears the user's engine down, releasing all subscriptions.
func (m *Manager) End(userID string) {
	m.mu.Lock()
	s, ok := m.slots[userID]
	delete(m.slots, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	<-s.ready
	if s.eng != nil {
		s.eng.Close()
		m.log.Infow("session ended", "user", userID)
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*slot)
	m.mu.Unlock()
	for _, s := range slots {
		<-s.ready
		if s.eng != nil {
			s.eng.Close()
		}
	}
}
