package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/capture"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/recording"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
)

func TestHappyPath(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.start(t)
	h.waitFor(t, Active)

	t0 := time.Now().Add(-6 * time.Second)
	h.engine.send(frames.NewUserStartedSpeakingFrame(t0))
	h.engine.send(frames.NewUserStoppedSpeakingFrame(t0.Add(5 * time.Second)))
	h.engine.send(frames.NewResponseStartedFrame("resp_1"))
	h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(3200, 24000)))

	got := h.nextSent(t)
	if got.SampleRate != avatar.SampleRate || got.Len() != 2133 {
		t.Fatalf("renderer got %d samples at %d Hz, want 2133 at 16000", got.Len(), got.SampleRate)
	}

	if err := h.session.Hangup("user"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	h.waitDone(t)

	if got := h.session.State(); got != Ended {
		t.Fatalf("state = %s, want ended", got)
	}
	if n := len(h.renderer.sentFrames()); n != 1 {
		t.Fatalf("renderer got %d frames, want 1", n)
	}

	patches := h.store.patchList()
	if len(patches) != 1 {
		t.Fatalf("got %d patches, want 1", len(patches))
	}
	if patches[0].Status != records.StatusCompleted {
		t.Fatalf("status = %s", patches[0].Status)
	}
	if patches[0].Duration <= 0 {
		t.Fatalf("duration not populated: %v", patches[0].Duration)
	}
	if len(patches[0].ErrorLogs) != 0 {
		t.Fatalf("unexpected error logs: %+v", patches[0].ErrorLogs)
	}

	snap := h.session.Snapshot()
	if snap.EndedAt == nil || snap.ID == "" {
		t.Fatalf("snapshot missing end or id: %+v", snap)
	}
	conv := snap.Metrics.Conversation
	if conv.TurnsCount != 1 || conv.UserSpeakingTime != 5*time.Second {
		t.Fatalf("conversation = %+v", conv)
	}
	if conv.AvgResponseTime <= 0 {
		t.Fatalf("no response time sample: %+v", conv)
	}
	if h.engine.count(&h.engine.disconnects) != 1 {
		t.Fatal("engine should be disconnected exactly once")
	}
}

func TestRendererNeverConnects(t *testing.T) {
	h := newHarness(t, true, false, Config{})
	h.renderer.idle = 100 * time.Millisecond
	h.start(t)

	h.waitFor(t, Failed)
	h.waitDone(t)

	if h.visited(Active) {
		t.Fatal("Active entered without the renderer")
	}
	snap := h.session.Snapshot()
	if len(snap.ErrorLogs) != 1 || !strings.Contains(snap.ErrorLogs[0].Error, ErrConnectTimeout.Error()) {
		t.Fatalf("error log = %+v", snap.ErrorLogs)
	}
	patches := h.store.patchList()
	if len(patches) != 1 || patches[0].Status != records.StatusFailed {
		t.Fatalf("patches = %+v", patches)
	}
	if h.renderer.count(&h.renderer.closes) != 1 || h.engine.count(&h.engine.disconnects) != 1 {
		t.Fatal("partial resources not released")
	}
}

func TestMidCallRendererDisconnect(t *testing.T) {
	tests := []struct {
		name      string
		reason    frames.DisconnectReason
		errorLogs int
	}{
		{"idle timeout", frames.ReasonMaxIdleTime, 0},
		{"session length", frames.ReasonMaxSessionLength, 0},
		{"transport", frames.ReasonTransport, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, true, Config{})
			h.start(t)
			h.waitFor(t, Active)

			h.renderer.send(frames.NewRendererDisconnectedFrame(tt.reason, nil))
			h.waitFor(t, Ended)
			h.waitDone(t)

			if n := h.engine.count(&h.engine.disconnects); n != 1 {
				t.Fatalf("engine Disconnect called %d times, want 1", n)
			}
			patches := h.store.patchList()
			if len(patches) != 1 || patches[0].Status != records.StatusCompleted {
				t.Fatalf("patches = %+v", patches)
			}
			var logged int
			for _, e := range patches[0].ErrorLogs {
				if e.Context == string(frames.SourceRenderer) {
					logged++
				}
			}
			if logged != tt.errorLogs {
				t.Fatalf("renderer error log entries = %d, want %d", logged, tt.errorLogs)
			}
		})
	}
}

func TestConnectingLiveness(t *testing.T) {
	t.Run("one side up stays connecting", func(t *testing.T) {
		h := newHarness(t, true, false, Config{ConnectTimeout: time.Minute})
		h.start(t)
		h.waitFor(t, Connecting)

		time.Sleep(100 * time.Millisecond)
		if got := h.session.State(); got != Connecting {
			t.Fatalf("state = %s with only the engine up", got)
		}

		h.renderer.send(frames.NewRendererConnectedFrame())
		h.waitFor(t, Active)
		h.session.Hangup("user")
		h.waitDone(t)
	})

	t.Run("renderer rejects", func(t *testing.T) {
		h := newHarness(t, true, false, Config{ConnectTimeout: time.Minute})
		h.renderer.startErr = avatar.ErrInvalidConfig
		h.start(t)
		h.waitFor(t, Failed)
		h.waitDone(t)
		if h.visited(Active) {
			t.Fatal("Active entered after renderer failure")
		}
	})

	t.Run("engine rejects", func(t *testing.T) {
		h := newHarness(t, false, true, Config{ConnectTimeout: time.Minute})
		h.engine.connectErr = errors.New("401 unauthorized")
		h.start(t)
		h.waitFor(t, Failed)
		h.waitDone(t)
		if h.visited(Active) {
			t.Fatal("Active entered after engine failure")
		}
		snap := h.session.Snapshot()
		if len(snap.ErrorLogs) == 0 || snap.ErrorLogs[0].Context != string(frames.SourceEngine) {
			t.Fatalf("error log = %+v", snap.ErrorLogs)
		}
	})
}

func TestBargeInDropsPendingAudio(t *testing.T) {
	// A long interval keeps f1..f3 queued behind f0
	h := newHarness(t, true, true, Config{QueueInterval: time.Hour})
	h.start(t)
	h.waitFor(t, Active)

	h.engine.send(frames.NewResponseStartedFrame("resp_1"))
	h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(2400, 24000)))
	if f0 := h.nextSent(t); f0.Len() != 1600 {
		t.Fatalf("f0 has %d samples", f0.Len())
	}

	for i := 0; i < 3; i++ {
		h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(2400, 24000)))
	}
	h.engine.send(frames.NewInterruptionFrame("resp_1"))
	// Late delta of the cancelled response
	h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(2400, 24000)))
	h.engine.send(frames.NewResponseStartedFrame("resp_2"))
	h.engine.send(frames.NewAssistantAudioFrame("resp_2", "item_2", tone(4800, 24000)))

	if g1 := h.nextSent(t); g1.Len() != 3200 {
		t.Fatalf("next frame at the renderer has %d samples, want the new response", g1.Len())
	}
	if n := len(h.renderer.sentFrames()); n != 2 {
		t.Fatalf("renderer got %d frames, want 2", n)
	}
	if h.renderer.count(&h.renderer.clears) != 1 || h.engine.count(&h.engine.cancels) != 1 {
		t.Fatal("barge-in should clear the renderer buffer and cancel the response once")
	}
	if !h.visited(Interrupted) || h.session.State() != Active {
		t.Fatalf("expected Interrupted then Active, now %s", h.session.State())
	}

	h.session.Hangup("user")
	h.waitDone(t)
}

func TestHangupWhileConnecting(t *testing.T) {
	h := newHarness(t, true, false, Config{ConnectTimeout: time.Minute})
	h.start(t)
	h.waitFor(t, Connecting)

	h.session.Hangup("user")
	h.waitDone(t)

	if h.session.State() != Ended || h.visited(Failed) {
		t.Fatalf("state = %s, want Ended without Failed", h.session.State())
	}
	patches := h.store.patchList()
	if len(patches) != 1 || patches[0].Status != records.StatusCancelled {
		t.Fatalf("patches = %+v, want one cancelled patch", patches)
	}
	if patches[0].RecordingURL != "" {
		t.Fatal("a call that never connected should not carry a recording")
	}
}

func TestBargeInAfterResponseDone(t *testing.T) {
	h := newHarness(t, true, true, Config{QueueInterval: time.Hour})
	h.start(t)
	h.waitFor(t, Active)

	h.engine.send(frames.NewResponseStartedFrame("resp_1"))
	for i := 0; i < 4; i++ {
		h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(2400, 24000)))
	}
	h.nextSent(t)
	// Generation finished, three frames are still waiting for the renderer
	h.engine.send(frames.NewResponseDoneFrame("resp_1", "completed"))
	h.engine.send(frames.NewUserStartedSpeakingFrame(time.Now()))
	h.engine.send(frames.NewInterruptionFrame("resp_1"))
	h.engine.send(frames.NewResponseStartedFrame("resp_2"))
	h.engine.send(frames.NewAssistantAudioFrame("resp_2", "item_2", tone(4800, 24000)))

	if g1 := h.nextSent(t); g1.Len() != 3200 {
		t.Fatalf("next frame at the renderer has %d samples, want the new response", g1.Len())
	}
	if n := len(h.renderer.sentFrames()); n != 2 {
		t.Fatalf("renderer got %d frames, want 2", n)
	}
	if h.renderer.count(&h.renderer.clears) != 1 {
		t.Fatal("barge-in should clear the renderer buffer")
	}
	if h.engine.count(&h.engine.cancels) != 0 {
		t.Fatal("a completed response must not be cancelled")
	}
	if !h.visited(Interrupted) {
		t.Fatal("expected Interrupted")
	}

	h.session.Hangup("user")
	h.waitDone(t)
}

func TestSpeechWithNothingPlaying(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.start(t)
	h.waitFor(t, Active)

	h.engine.send(frames.NewUserStartedSpeakingFrame(time.Now()))
	h.engine.send(frames.NewInterruptionFrame(""))
	h.engine.send(frames.NewResponseStartedFrame("resp_1"))
	h.engine.send(frames.NewAssistantAudioFrame("resp_1", "item_1", tone(2400, 24000)))
	h.nextSent(t)

	if h.renderer.count(&h.renderer.clears) != 0 || h.engine.count(&h.engine.cancels) != 0 {
		t.Fatal("speech with no assistant audio should not interrupt")
	}
	if h.visited(Interrupted) {
		t.Fatal("unexpected Interrupted")
	}

	h.session.Hangup("user")
	h.waitDone(t)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.session.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, Active)

	h.session.Hangup("button")
	h.session.Hangup("button")
	cancel()
	h.waitDone(t)

	if err := h.session.Hangup("late"); err != nil {
		t.Fatalf("Hangup after end: %v", err)
	}

	if n := len(h.store.patchList()); n != 1 {
		t.Fatalf("got %d patches, want 1", n)
	}
	if h.renderer.count(&h.renderer.closes) != 1 || h.engine.count(&h.engine.disconnects) != 1 {
		t.Fatal("resources released more than once")
	}
	var ended int
	h.mu.Lock()
	for _, s := range h.states {
		if s == Ended {
			ended++
		}
	}
	h.mu.Unlock()
	if ended != 1 {
		t.Fatalf("entered Ended %d times", ended)
	}
}

func TestContextCancelHangsUp(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.session.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, Active)

	cancel()
	h.waitDone(t)
	if got := h.session.State(); got != Ended {
		t.Fatalf("state = %s", got)
	}
}

func TestMicrophoneUnavailable(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.session.deps.Capture = brokenMic{}
	h.start(t)

	h.waitFor(t, Failed)
	h.waitDone(t)

	if h.renderer.count(&h.renderer.initCalls) != 0 {
		t.Fatal("renderer initialized without a microphone")
	}
	patches := h.store.patchList()
	if len(patches) != 1 || patches[0].Status != records.StatusFailed {
		t.Fatalf("patches = %+v", patches)
	}
	if !strings.Contains(patches[0].ErrorLogs[0].Error, "microphone") {
		t.Fatalf("error log = %+v", patches[0].ErrorLogs)
	}
}

func TestRecordCreationFailure(t *testing.T) {
	store := &failingStore{countingStore: countingStore{MemoryStore: records.NewMemoryStore()}}
	s := New(Config{ConnectTimeout: time.Minute}, Deps{
		Engine:    &fakeEngine{},
		Renderer:  newFakeRenderer(false),
		Capture:   capture.NewStreamSource(capture.Options{}),
		Store:     store,
		Finalizer: recording.NewFinalizer(store, nil, recording.WAVEncoder{}),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != Failed {
		t.Fatalf("state = %s", s.State())
	}
	if n := len(store.patchList()); n != 0 {
		t.Fatalf("patched a record that was never created (%d patches)", n)
	}
}

func TestMicrophoneForwardedAndMirrored(t *testing.T) {
	h := newHarness(t, true, true, Config{MirrorMic: true})
	h.start(t)
	h.waitFor(t, Active)

	if err := h.mic.Push(audio.PCMToBytes(make([]int16, 2048))); err != nil {
		t.Fatal(err)
	}
	got := h.nextSent(t)
	if got.Len() != 2048*avatar.SampleRate/24000 {
		t.Fatalf("mirrored frame has %d samples", got.Len())
	}
	if h.engine.count(&h.engine.appended) != 1 {
		t.Fatal("microphone frame not forwarded to the engine")
	}

	h.session.Hangup("user")
	h.waitDone(t)
}

func TestTranscriptSnapshot(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.start(t)
	h.waitFor(t, Active)

	h.engine.send(frames.NewTranscriptFrame(frames.RoleUser, "item_u", "hello there", true))
	h.engine.send(frames.NewTranscriptFrame(frames.RoleAssistant, "item_a", "Hi, ", false))
	h.engine.send(frames.NewTranscriptFrame(frames.RoleAssistant, "item_a", "how are you?", false))

	want := Transcript{User: "hello there", Assistant: "Hi, how are you?"}
	eventually(t, func() bool { return h.session.Snapshot().Transcript == want })

	// A new assistant item replaces the caption
	h.engine.send(frames.NewTranscriptFrame(frames.RoleAssistant, "item_b", "Great.", false))
	eventually(t, func() bool { return h.session.Snapshot().Transcript.Assistant == "Great." })

	h.session.Hangup("user")
	h.waitDone(t)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLatencyReachesMetrics(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.start(t)
	h.waitFor(t, Active)

	h.engine.send(frames.NewLatencyFrame(frames.SourceEngine, 80*time.Millisecond))
	h.engine.send(frames.NewLatencyFrame(frames.SourceEngine, 120*time.Millisecond))
	eventually(t, func() bool {
		return h.session.Snapshot().Metrics.Quality.NetworkLatency == 100*time.Millisecond
	})

	h.session.Hangup("user")
	h.waitDone(t)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	h.start(t)
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	h.waitFor(t, Active)
	h.session.Hangup("user")
	h.waitDone(t)
}

func TestHangupBeforeStart(t *testing.T) {
	h := newHarness(t, true, true, Config{})
	if err := h.session.Hangup("user"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Hangup = %v", err)
	}
}
