package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/logger"
	"github.com/square-key-labs/avatarcall/src/records"
)

var (
	// ErrSessionActive is returned when a call is started while another one
	// still holds the renderer
	ErrSessionActive = errors.New("session: another call is in progress")
	// ErrNoSession is returned when there is no call to act on
	ErrNoSession = errors.New("session: no call")
)

// Manager owns the engine and renderer handles and lends them to one
// session at a time. Both are reset before each new call.
type Manager struct {
	engine    Engine
	renderer  Renderer
	store     records.Store
	finalizer Finalizer
	log       *logger.Logger

	mu           sync.Mutex
	current      *Session
	onTransition func(s *Session, from, to State)
}

func NewManager(engine Engine, renderer Renderer, store records.Store, finalizer Finalizer) *Manager {
	return &Manager{
		engine:    engine,
		renderer:  renderer,
		store:     store,
		finalizer: finalizer,
		log:       logger.WithPrefix("SessionManager"),
	}
}

// OnTransition sets a callback invoked for every state change of every call
func (m *Manager) OnTransition(callback func(s *Session, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = callback
}

// Start begins a new call with mic as its audio source. ctx bounds the
// call: cancelling it hangs up.
func (m *Manager) Start(ctx context.Context, cfg Config, mic capture.Source) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		select {
		case <-m.current.Done():
		default:
			return nil, ErrSessionActive
		}
	}

	if err := m.renderer.Reset(); err != nil {
		return nil, fmt.Errorf("avatar renderer not reusable: %w", err)
	}
	if err := m.engine.Reset(); err != nil {
		return nil, fmt.Errorf("conversational engine not reusable: %w", err)
	}

	s := New(cfg, Deps{
		Engine:    m.engine,
		Renderer:  m.renderer,
		Capture:   mic,
		Store:     m.store,
		Finalizer: m.finalizer,
	})
	if cb := m.onTransition; cb != nil {
		s.OnTransition(func(from, to State) { cb(s, from, to) })
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.current = s
	m.log.Info("Call started")
	return s, nil
}

// Current returns the most recent call, which may already have ended
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Hangup ends the current call
func (m *Manager) Hangup(reason string) error {
	s := m.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.Hangup(reason)
}

// Shutdown hangs up the current call and waits for it to be finalized
func (m *Manager) Shutdown(ctx context.Context) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	if err := s.Hangup("shutdown"); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return s.Wait(ctx)
}
