// Package mailbox provides the serialized event loop every call session runs
// on. Frames posted from any goroutine (device callbacks, network readers,
// timers) are handed to a single handler one at a time. System frames are
// taken ahead of queued data and control frames; within a lane order is
// strictly FIFO.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
)

// ErrStopped is returned when posting to a mailbox that is no longer running
var ErrStopped = errors.New("mailbox: stopped")

const (
	defaultSystemBuffer = 100
	defaultDataBuffer   = 1000
)

// Handler processes frames on the mailbox goroutine
type Handler interface {
	HandleFrame(ctx context.Context, frame frames.Frame) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, frame frames.Frame) error

func (f HandlerFunc) HandleFrame(ctx context.Context, frame frames.Frame) error {
	return f(ctx, frame)
}

// Mailbox is a two-lane single-consumer frame queue
type Mailbox struct {
	name    string
	handler Handler
	log     *logger.Logger

	systemChan chan frames.Frame
	dataChan   chan frames.Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	handled atomic.Uint64
}

// New creates a mailbox. Frames can be posted before Start; they are
// buffered until the loop runs.
func New(name string, handler Handler) *Mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mailbox{
		name:       name,
		handler:    handler,
		log:        logger.WithPrefix(name),
		systemChan: make(chan frames.Frame, defaultSystemBuffer),
		dataChan:   make(chan frames.Frame, defaultDataBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Mailbox) Name() string {
	return m.name
}

// Start runs the loop until ctx is cancelled or Stop is called
func (m *Mailbox) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return fmt.Errorf("mailbox %s already started", m.name)
	}
	if m.ctx.Err() != nil {
		return ErrStopped
	}

	// Tie the loop to the caller's context as well as to Stop
	parent := m.ctx
	stop := context.AfterFunc(ctx, m.cancel)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer stop()
		m.run(parent)
	}()

	m.log.Debug("Started")
	return nil
}

// Post queues a frame. It blocks only while the target lane is full.
func (m *Mailbox) Post(frame frames.Frame) error {
	if m.ctx.Err() != nil {
		return ErrStopped
	}

	lane := m.dataChan
	if frames.CategoryOf(frame) == frames.SystemCategory {
		lane = m.systemChan
	}

	select {
	case lane <- frame:
		return nil
	case <-m.ctx.Done():
		return ErrStopped
	}
}

// Schedule posts fn back into the mailbox after d, so it runs on the loop
// goroutine. Calling the returned function before fn has run prevents it
// from running, even if its tick is already queued.
func (m *Mailbox) Schedule(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	tick := frames.NewTickFrame(func() {
		if !cancelled.Load() {
			fn()
		}
	})
	timer := time.AfterFunc(d, func() {
		if cancelled.Load() {
			return
		}
		if err := m.Post(tick); err != nil {
			m.log.Debug("Dropped timer tick: %v", err)
		}
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// Stop cancels the loop. Frames still queued are discarded. It does not wait;
// use Done for that. Safe to call from the handler and more than once.
func (m *Mailbox) Stop() {
	m.cancel()
}

// Done is closed once the loop has exited. It is nil before Start.
func (m *Mailbox) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Handled returns the number of frames delivered to the handler
func (m *Mailbox) Handled() uint64 {
	return m.handled.Load()
}

func (m *Mailbox) run(ctx context.Context) {
	for {
		// System frames first
		select {
		case f := <-m.systemChan:
			m.dispatch(ctx, f)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			m.discard()
			return
		case f := <-m.systemChan:
			m.dispatch(ctx, f)
		case f := <-m.dataChan:
			m.dispatch(ctx, f)
		}
	}
}

func (m *Mailbox) dispatch(ctx context.Context, frame frames.Frame) {
	m.handled.Add(1)

	if tick, ok := frame.(*frames.TickFrame); ok {
		if tick.Fn != nil {
			tick.Fn()
		}
		return
	}

	if err := m.handler.HandleFrame(ctx, frame); err != nil {
		m.log.Error("Error processing %s frame %s: %v", frames.CategoryOf(frame), frame.Name(), err)
	}
}

func (m *Mailbox) discard() {
	n := len(m.systemChan) + len(m.dataChan)
	if n > 0 {
		m.log.Debug("Stopped with %d frames pending", n)
	}
	m.log.Debug("Stopped")
}
