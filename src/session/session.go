// Package session runs one avatar call. It connects the conversational
// engine and the avatar renderer, routes audio between the microphone, the
// engine and the renderer, and hands the finished call to the recording
// pipeline.
//
// Every callback (capture, engine, renderer, timers, record creation and
// finalization) is posted into the session mailbox as a frame and handled
// on a single goroutine. No session state is touched anywhere else.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
	"github.com/square-key-labs/avatarcall/src/mailbox"
	"github.com/square-key-labs/avatarcall/src/queue"
	"github.com/square-key-labs/avatarcall/src/recording"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
	"github.com/square-key-labs/avatarcall/src/services/realtime"
)

const (
	// DefaultConnectTimeout bounds Connecting when the renderer has no idle limit
	DefaultConnectTimeout = 30 * time.Second

	recordTimeout   = 15 * time.Second
	finalizeTimeout = 2 * time.Minute
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotStarted     = errors.New("session: not started")
	ErrConnectTimeout = errors.New("session: avatar and engine did not connect in time")
	ErrCaptureClosed  = errors.New("session: microphone stream ended")
)

// ErrorLogEntry is one entry of the call's append-only error log
type ErrorLogEntry = records.ErrorLogEntry

// Engine is the conversational engine connection
type Engine interface {
	Connect(ctx context.Context, cfg realtime.SessionConfig, emit func(frames.Frame)) error
	AppendInputAudio(frame *frames.AudioFrame) error
	CancelResponse() error
	Disconnect() error
	Reset() error
}

// Renderer is the avatar renderer connection
type Renderer interface {
	Initialize(cfg avatar.Config) error
	Start(ctx context.Context, emit func(frames.Frame)) error
	SendAudioData(frame *frames.AudioFrame) error
	ClearBuffer() error
	Close() error
	Reset() error
	MaxIdleTime() time.Duration
}

// Finalizer persists the outcome of an ended call
type Finalizer interface {
	Finalize(ctx context.Context, job recording.Job) (recording.Outcome, error)
	Fail(ctx context.Context, job recording.Job) error
	Cancel(ctx context.Context, job recording.Job) error
}

// Config describes one call
type Config struct {
	Engine    realtime.SessionConfig
	Renderer  avatar.Config
	Technical callmetrics.Technical
	Prompt    string
	Metadata  map[string]string

	// MirrorMic sends the user's own voice to the renderer as well
	MirrorMic     bool
	QueueInterval time.Duration
	// ConnectTimeout bounds Connecting. Zero uses the renderer's max idle time.
	ConnectTimeout time.Duration
}

// Deps are the collaborators a session drives. Engine and Renderer are
// shared across calls; Capture belongs to this call.
type Deps struct {
	Engine    Engine
	Renderer  Renderer
	Capture   capture.Source
	Store     records.Store
	Finalizer Finalizer
	Now       func() time.Time
}

// Transcript is the live caption state
type Transcript struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Snapshot is a point-in-time view of a session for display
type Snapshot struct {
	ID           string                  `json:"id,omitempty"`
	State        State                   `json:"state"`
	StartedAt    time.Time               `json:"startedAt,omitzero"`
	EndedAt      *time.Time              `json:"endedAt,omitempty"`
	Transcript   Transcript              `json:"transcript"`
	Metrics      callmetrics.CallMetrics `json:"metrics"`
	ErrorLogs    []ErrorLogEntry         `json:"errorLogs"`
	RecordingURL string                  `json:"recordingUrl,omitempty"`
}

// Session is one call
type Session struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	box      *mailbox.Mailbox
	queue    *queue.OutboundQueue
	recorder *recording.Recorder

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopWatch func() bool

	// Owned by the mailbox goroutine
	rendererUp     bool
	engineReady    bool
	connected      bool
	cancelConnect  func()
	recordPending  bool
	released       bool
	submitted      bool
	counted        bool
	endTime        time.Time
	samples        []int16
	activeResponse string
	cancelled      map[string]struct{}
	assistantItem  string

	// Guards the fields below, which Snapshot reads from other goroutines
	mu           sync.Mutex
	started      bool
	state        State
	id           string
	startedAt    time.Time
	endedAt      time.Time
	transcript   Transcript
	errorLogs    []ErrorLogEntry
	agg          *callmetrics.Aggregator
	final        *callmetrics.CallMetrics
	recordingURL string
	onTransition func(from, to State)

	finished   chan struct{}
	finishOnce sync.Once
}

// New creates an idle session
func New(cfg Config, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		cfg:       cfg,
		deps:      deps,
		log:       logger.WithPrefix("Session"),
		recorder:  recording.NewRecorder(),
		agg:       callmetrics.NewAggregator(),
		cancelled: make(map[string]struct{}),
		finished:  make(chan struct{}),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.box = mailbox.New("Session", mailbox.HandlerFunc(s.handleFrame))
	s.queue = queue.New(deps.Renderer, s.box, queue.Config{
		MinInterval: cfg.QueueInterval,
		OnDispatch:  s.onDispatch,
	})
	return s
}

// OnTransition sets a callback for state changes. It runs on the session
// goroutine and must not block.
func (s *Session) OnTransition(callback func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = callback
}

// Start begins connecting. Cancelling ctx hangs the call up.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.stopWatch = context.AfterFunc(ctx, func() {
		s.post(frames.NewCancelFrame())
	})
	if err := s.box.Start(context.Background()); err != nil {
		return err
	}
	return s.box.Post(frames.NewTickFrame(s.begin))
}

// Hangup ends the call. Calling it again, or after the call ended, is a no-op.
func (s *Session) Hangup(reason string) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := s.box.Post(frames.NewEndFrame(reason)); err != nil && !errors.Is(err, mailbox.ErrStopped) {
		return err
	}
	return nil
}

// ReportDropout records lost audio or video. Safe from any goroutine.
func (s *Session) ReportDropout(source frames.Source) {
	s.post(frames.NewTickFrame(func() {
		s.withMetrics(func(a *callmetrics.Aggregator) { a.Dropout(source) })
	}))
}

// Done is closed once the call is terminal and its record has been finalized
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// Wait blocks until Done or ctx ends
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the call record id, empty until the record is created
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Snapshot returns the display state of the call
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		StartedAt:    s.startedAt,
		Transcript:   s.transcript,
		Metrics:      s.agg.Metrics(),
		ErrorLogs:    append([]ErrorLogEntry(nil), s.errorLogs...),
		RecordingURL: s.recordingURL,
	}
	if s.final != nil {
		snap.Metrics = *s.final
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}

func (s *Session) post(f frames.Frame) {
	if err := s.box.Post(f); err != nil {
		s.log.Debug("Dropped %s: %v", f.Name(), err)
	}
}

func (s *Session) now() time.Time {
	return s.deps.Now()
}

// withMetrics runs fn against the aggregator under the snapshot lock
func (s *Session) withMetrics(fn func(a *callmetrics.Aggregator)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.agg)
}
