package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/recording"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
	"github.com/square-key-labs/avatarcall/src/services/realtime"
)

// fakeEngine completes the handshake on Connect unless told otherwise
type fakeEngine struct {
	mu          sync.Mutex
	emit        func(frames.Frame)
	ready       bool
	connectErr  error
	appended    int
	cancels     int
	disconnects int
	resets      int
}

func (e *fakeEngine) Connect(ctx context.Context, cfg realtime.SessionConfig, emit func(frames.Frame)) error {
	e.mu.Lock()
	e.emit = emit
	err, ready := e.connectErr, e.ready
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if ready {
		emit(frames.NewEngineReadyFrame("sess_1"))
	}
	return nil
}

func (e *fakeEngine) AppendInputAudio(frame *frames.AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appended++
	return nil
}

func (e *fakeEngine) CancelResponse() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	return nil
}

func (e *fakeEngine) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnects++
	return nil
}

func (e *fakeEngine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.emit = nil
	return nil
}

// send emits a frame the way the receive goroutine would
func (e *fakeEngine) send(f frames.Frame) {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()
	emit(f)
}

func (e *fakeEngine) count(field *int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *field
}

// fakeRenderer records every dispatched frame
type fakeRenderer struct {
	mu        sync.Mutex
	emit      func(frames.Frame)
	connect   bool
	initErr   error
	startErr  error
	idle      time.Duration
	sent      []*frames.AudioFrame
	sentCh    chan *frames.AudioFrame
	clears    int
	closes    int
	resets    int
	initCalls int
	starts    int
}

func newFakeRenderer(connect bool) *fakeRenderer {
	return &fakeRenderer{connect: connect, sentCh: make(chan *frames.AudioFrame, 64)}
}

func (r *fakeRenderer) Initialize(cfg avatar.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCalls++
	return r.initErr
}

func (r *fakeRenderer) Start(ctx context.Context, emit func(frames.Frame)) error {
	r.mu.Lock()
	r.emit = emit
	r.starts++
	err, connect := r.startErr, r.connect
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if connect {
		emit(frames.NewRendererConnectedFrame())
	}
	return nil
}

func (r *fakeRenderer) SendAudioData(frame *frames.AudioFrame) error {
	r.mu.Lock()
	r.sent = append(r.sent, frame)
	r.mu.Unlock()
	r.sentCh <- frame
	return nil
}

func (r *fakeRenderer) ClearBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	return nil
}

func (r *fakeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *fakeRenderer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func (r *fakeRenderer) MaxIdleTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

func (r *fakeRenderer) send(f frames.Frame) {
	r.mu.Lock()
	emit := r.emit
	r.mu.Unlock()
	emit(f)
}

func (r *fakeRenderer) count(field *int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *field
}

func (r *fakeRenderer) sentFrames() []*frames.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frames.AudioFrame(nil), r.sent...)
}

// brokenMic fails to open
type brokenMic struct{}

func (brokenMic) Open(ctx context.Context) (<-chan *frames.AudioFrame, error) {
	return nil, capture.ErrDeviceUnavailable
}
func (brokenMic) Close() error    { return nil }
func (brokenMic) SampleRate() int { return capture.DefaultSampleRate }

// countingStore wraps the in-memory store and counts patches
type countingStore struct {
	*records.MemoryStore
	mu      sync.Mutex
	patches []records.Patch
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: records.NewMemoryStore()}
}

func (s *countingStore) Patch(ctx context.Context, id string, p records.Patch) error {
	s.mu.Lock()
	s.patches = append(s.patches, p)
	s.mu.Unlock()
	return s.MemoryStore.Patch(ctx, id, p)
}

func (s *countingStore) patchList() []records.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]records.Patch(nil), s.patches...)
}

// failingStore cannot create records
type failingStore struct {
	countingStore
}

func (s *failingStore) Create(ctx context.Context, req records.CreateRequest) (string, error) {
	return "", errors.New("database unavailable")
}

type harness struct {
	engine   *fakeEngine
	renderer *fakeRenderer
	mic      *capture.StreamSource
	store    *countingStore
	session  *Session

	mu     sync.Mutex
	states []State
	seen   chan State
}

func newHarness(t *testing.T, engineReady, rendererConnects bool, cfg Config) *harness {
	t.Helper()
	h := &harness{
		engine:   &fakeEngine{ready: engineReady},
		renderer: newFakeRenderer(rendererConnects),
		mic:      capture.NewStreamSource(capture.Options{}),
		store:    newCountingStore(),
		seen:     make(chan State, 32),
	}
	if cfg.QueueInterval == 0 {
		cfg.QueueInterval = time.Millisecond
	}
	h.session = New(cfg, Deps{
		Engine:    h.engine,
		Renderer:  h.renderer,
		Capture:   h.mic,
		Store:     h.store,
		Finalizer: recording.NewFinalizer(h.store, nil, recording.WAVEncoder{}),
	})
	h.session.OnTransition(func(from, to State) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
		h.seen <- to
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// waitFor blocks until the session reports the given state
func (h *harness) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.seen:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s (now %s)", want, h.session.State())
		}
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.session.Wait(ctx); err != nil {
		t.Fatalf("session did not finish: %v (state %s)", err, h.session.State())
	}
}

func (h *harness) visited(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if st == s {
			return true
		}
	}
	return false
}

func (h *harness) nextSent(t *testing.T) *frames.AudioFrame {
	t.Helper()
	select {
	case f := <-h.renderer.sentCh:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame at the renderer")
		return nil
	}
}

func tone(n, rate int) *frames.AudioFrame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	return frames.NewAudioFrame(samples, rate)
}
