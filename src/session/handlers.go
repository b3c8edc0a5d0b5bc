package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/callmetrics"
	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/recording"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/services/avatar"
	"github.com/square-key-labs/avatarcall/src/services/realtime"
	"github.com/square-key-labs/avatarcall/src/telemetry"
)

// handleFrame is the single transition function of the session
func (s *Session) handleFrame(ctx context.Context, frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.EndFrame:
		s.hangup(f.Reason)
	case *frames.CancelFrame:
		s.hangup("cancelled")
	case *frames.ErrorFrame:
		s.onError(f)
	case *frames.ConnectTimeoutFrame:
		if s.State() == Connecting {
			s.fail(frames.SourceSession, ErrConnectTimeout)
		}

	case *frames.RendererConnectedFrame:
		s.rendererUp = true
		s.maybeActivate()
	case *frames.RendererDisconnectedFrame:
		s.onRendererDisconnected(f)
	case *frames.EngineReadyFrame:
		s.engineReady = true
		s.maybeActivate()
	case *frames.EngineDisconnectedFrame:
		s.onEngineDisconnected(f)

	case *frames.AudioFrame:
		s.onMicAudio(f)
	case *frames.AssistantAudioFrame:
		s.onAssistantAudio(f)
	case *frames.TranscriptFrame:
		s.onTranscript(f)
	case *frames.UserStartedSpeakingFrame:
		if s.State().Live() {
			s.withMetrics(func(a *callmetrics.Aggregator) { a.SpeechStarted(f.At) })
		}
	case *frames.UserStoppedSpeakingFrame:
		if s.State().Live() {
			s.withMetrics(func(a *callmetrics.Aggregator) { a.SpeechStopped(f.At) })
		}
	case *frames.InterruptionFrame:
		s.onInterruption(f)
	case *frames.LatencyFrame:
		if s.State().Live() {
			s.withMetrics(func(a *callmetrics.Aggregator) { a.ReportLatency(f.RTT) })
		}
	case *frames.ResponseStartedFrame:
		s.activeResponse = f.ResponseID
	case *frames.ResponseDoneFrame:
		if s.activeResponse == f.ResponseID {
			s.activeResponse = ""
		}

	case *frames.RecordCreatedFrame:
		s.onRecordCreated(f)
	case *frames.FinalizedFrame:
		s.onFinalized(f)

	default:
		s.log.Debug("Ignoring %s", frame.Name())
	}
	return nil
}

// begin is the Idle -> Connecting transition
func (s *Session) begin() {
	if s.State() != Idle {
		return
	}

	now := s.now()
	s.mu.Lock()
	s.startedAt = now
	s.agg.CaptureTechnical(s.cfg.Technical)
	initial := s.agg.Metrics()
	s.mu.Unlock()

	s.transition(Connecting)
	s.counted = true
	telemetry.CallsActive.Inc()

	s.recordPending = true
	go s.createRecord(records.CreateRequest{
		InitialMetrics:   initial,
		TechnicalDetails: s.cfg.Technical,
		Prompt:           s.cfg.Prompt,
		Metadata:         s.cfg.Metadata,
	})

	mic, err := s.deps.Capture.Open(s.runCtx)
	if err != nil {
		s.fail(frames.SourceCapture, fmt.Errorf("error accessing microphone: %w", err))
		return
	}
	go s.pumpCapture(mic)

	if err := s.deps.Renderer.Initialize(s.cfg.Renderer); err != nil {
		s.fail(frames.SourceRenderer, fmt.Errorf("failed to initialize avatar: %w", err))
		return
	}

	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = s.deps.Renderer.MaxIdleTime()
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	s.cancelConnect = s.box.Schedule(timeout, func() {
		s.post(frames.NewConnectTimeoutFrame())
	})

	go s.startRenderer()
	go s.connectEngine()
}

func (s *Session) createRecord(req records.CreateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	id, err := s.deps.Store.Create(ctx, req)
	s.post(frames.NewRecordCreatedFrame(id, err))
}

func (s *Session) pumpCapture(mic <-chan *frames.AudioFrame) {
	for f := range mic {
		s.post(f)
	}
	s.post(frames.NewTickFrame(func() {
		if !s.released && s.State() != Ending && !s.State().Terminal() {
			s.fail(frames.SourceCapture, ErrCaptureClosed)
		}
	}))
}

func (s *Session) startRenderer() {
	if err := s.deps.Renderer.Start(s.runCtx, s.post); err != nil {
		s.post(frames.NewFatalErrorFrame(frames.SourceRenderer, fmt.Errorf("failed to initialize avatar: %w", err)))
	}
}

func (s *Session) connectEngine() {
	if err := s.deps.Engine.Connect(s.runCtx, s.cfg.Engine, s.post); err != nil {
		s.post(frames.NewFatalErrorFrame(frames.SourceEngine, fmt.Errorf("failed to connect conversational engine: %w", err)))
	}
}

// maybeActivate is the Connecting -> Active transition. It needs both sides.
func (s *Session) maybeActivate() {
	if s.State() != Connecting || !s.rendererUp || !s.engineReady {
		return
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}

	now := s.now()
	s.recorder.Start(now)
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	telemetry.ConnectDuration.Observe(now.Sub(started).Seconds())

	s.connected = true
	s.transition(Active)
}

func (s *Session) onError(f *frames.ErrorFrame) {
	state := s.State()
	switch {
	case state == Connecting, f.Fatal && state.Live():
		s.fail(f.Source, f.Error)
	case state.Live():
		s.log.Warn("%s error: %v", f.Source, f.Error)
		s.appendError(f.Source, f.Error)
		s.withMetrics(func(a *callmetrics.Aggregator) { a.ReportError(f.Source) })
	default:
		s.log.Debug("Ignoring %s error in %s: %v", f.Source, state, f.Error)
	}
}

func (s *Session) onRendererDisconnected(f *frames.RendererDisconnectedFrame) {
	err := f.Error
	if err == nil {
		err = fmt.Errorf("avatar renderer disconnected (%s)", f.Reason)
	}

	switch state := s.State(); {
	case state == Connecting:
		s.fail(frames.SourceRenderer, err)
	case state.Live():
		// Idle and session-length timeouts end the call like a hangup
		if !f.Reason.Expected() {
			s.appendError(frames.SourceRenderer, err)
			s.withMetrics(func(a *callmetrics.Aggregator) { a.ReportError(frames.SourceRenderer) })
		}
		s.beginEnding(fmt.Sprintf("renderer %s", f.Reason))
	}
}

func (s *Session) onEngineDisconnected(f *frames.EngineDisconnectedFrame) {
	err := f.Error
	if err == nil {
		err = errors.New("conversational engine disconnected")
	}

	switch state := s.State(); {
	case state == Connecting:
		s.fail(frames.SourceEngine, err)
	case state.Live():
		s.appendError(frames.SourceEngine, err)
		s.withMetrics(func(a *callmetrics.Aggregator) { a.ReportError(frames.SourceEngine) })
		s.beginEnding("engine disconnected")
	}
}

func (s *Session) onMicAudio(f *frames.AudioFrame) {
	if !s.State().Live() {
		return
	}
	s.recorder.AddUser(f, s.now())

	in := f
	if f.SampleRate > realtime.SampleRate {
		r, err := audio.Resample(f, f.SampleRate, realtime.SampleRate)
		if err != nil {
			s.log.Warn("Dropping microphone frame: %v", err)
			return
		}
		in = r
	}
	if err := s.deps.Engine.AppendInputAudio(in); err != nil {
		s.log.Debug("Failed to forward microphone audio: %v", err)
	}

	if s.cfg.MirrorMic {
		s.enqueue(f)
	}
}

func (s *Session) onAssistantAudio(f *frames.AssistantAudioFrame) {
	if !s.State().Live() || f.Audio == nil {
		return
	}
	if _, ok := s.cancelled[f.ResponseID]; ok {
		telemetry.FramesDropped.WithLabelValues("cancelled").Inc()
		return
	}

	now := s.now()
	var sample time.Duration
	var first bool
	s.withMetrics(func(a *callmetrics.Aggregator) {
		sample, first = a.AssistantAudio(now, f.Audio.Duration())
	})
	if first {
		telemetry.ResponseTime.Observe(sample.Seconds())
	}
	s.recorder.AddAssistant(f.Audio, now)
	s.enqueue(f.Audio)
}

// enqueue resamples to the renderer rate and queues the frame
func (s *Session) enqueue(f *frames.AudioFrame) {
	out, err := audio.Resample(f, f.SampleRate, avatar.SampleRate)
	if err != nil {
		s.log.Warn("Dropping frame for renderer: %v", err)
		telemetry.FramesDropped.WithLabelValues("resample").Inc()
		return
	}
	s.queue.Enqueue(out)
}

func (s *Session) onDispatch(f *frames.AudioFrame, err error) {
	if err != nil {
		s.log.Debug("Renderer rejected %s: %v", f, err)
		telemetry.FramesDropped.WithLabelValues("dispatch").Inc()
		s.withMetrics(func(a *callmetrics.Aggregator) { a.Dropout(frames.SourceRenderer) })
		return
	}
	telemetry.FramesDispatched.Inc()
}

func (s *Session) onTranscript(f *frames.TranscriptFrame) {
	if !s.State().Live() {
		return
	}
	if _, ok := s.cancelled[f.ResponseID]; ok && f.ResponseID != "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Role {
	case frames.RoleUser:
		s.transcript.User = f.Text
	case frames.RoleAssistant:
		if f.ItemID != s.assistantItem {
			s.assistantItem = f.ItemID
			s.transcript.Assistant = ""
		}
		if f.Final {
			s.transcript.Assistant = f.Text
		} else {
			s.transcript.Assistant += f.Text
		}
	}
}

// onInterruption is the barge-in: Active -> Interrupted -> Active. It applies
// while the engine is generating or assistant audio is still queued for the
// renderer. Audio of the cancelled response still in the mailbox is dropped
// when it arrives.
func (s *Session) onInterruption(f *frames.InterruptionFrame) {
	if s.State() != Active {
		return
	}
	generating := s.activeResponse != ""
	if !generating && s.queue.Len() == 0 && !s.queue.InFlight() {
		return
	}
	s.transition(Interrupted)

	id := f.ResponseID
	if id == "" {
		id = s.activeResponse
	}
	if id != "" {
		s.cancelled[id] = struct{}{}
	}
	s.activeResponse = ""

	n := s.queue.Clear()
	telemetry.Interruptions.Inc()
	telemetry.FramesDropped.WithLabelValues("interrupted").Add(float64(n))

	if err := s.deps.Renderer.ClearBuffer(); err != nil {
		s.log.Debug("Failed to clear renderer buffer: %v", err)
	}
	if generating {
		if err := s.deps.Engine.CancelResponse(); err != nil {
			s.log.Debug("Failed to cancel response: %v", err)
		}
	}
	s.recorder.Interrupt(s.now())

	s.log.Info("Barge-in: cancelled response %q, dropped %d frames", id, n)
	s.transition(Active)
}

func (s *Session) hangup(reason string) {
	switch state := s.State(); {
	case state == Idle:
		s.endTime = s.now()
		s.transition(Ended)
		s.finish()
	case state == Connecting, state.Live():
		s.beginEnding(reason)
	default:
		s.log.Debug("Hangup (%s) ignored in %s", reason, state)
	}
}

// beginEnding releases everything and hands the call to the finalizer
func (s *Session) beginEnding(reason string) {
	s.log.Info("Ending call: %s", reason)
	s.transition(Ending)
	s.teardown()
	s.handOff()
}

// fail moves any non-terminal state to Failed
func (s *Session) fail(source frames.Source, err error) {
	if s.State().Terminal() {
		return
	}
	s.log.Error("%s failure: %v", source, err)
	s.appendError(source, err)
	s.withMetrics(func(a *callmetrics.Aggregator) { a.ReportError(source) })

	s.endTime = s.now()
	s.transition(Failed)
	s.teardown()
	s.handOff()
}

// teardown releases every resource the call holds. Idempotent.
func (s *Session) teardown() {
	if s.released {
		return
	}
	s.released = true
	if s.endTime.IsZero() {
		s.endTime = s.now()
	}

	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	if n := s.queue.Clear(); n > 0 {
		telemetry.FramesDropped.WithLabelValues("teardown").Add(float64(n))
	}
	s.cancelRun()

	if err := s.deps.Capture.Close(); err != nil {
		s.log.Warn("Failed to close microphone: %v", err)
	}
	if err := s.deps.Renderer.Close(); err != nil {
		s.log.Warn("Failed to close renderer: %v", err)
	}
	if err := s.deps.Engine.Disconnect(); err != nil {
		s.log.Warn("Failed to disconnect engine: %v", err)
	}

	s.samples = s.recorder.Stop(s.endTime)
	end := s.endTime
	s.withMetrics(func(a *callmetrics.Aggregator) { a.Close(end) })
}

// handOff submits the call record update once the record id is known
func (s *Session) handOff() {
	if s.recordPending {
		s.log.Debug("Waiting for call record before finalizing")
		return
	}
	if s.State() == Ending {
		s.transition(Ended)
	}

	id := s.ID()
	if id == "" {
		s.log.Warn("Call ended without a record, nothing to finalize")
		s.finish()
		return
	}
	if s.submitted {
		return
	}
	s.submitted = true

	s.mu.Lock()
	job := recording.Job{
		CallID:     id,
		StartedAt:  s.startedAt,
		EndedAt:    s.endTime,
		Samples:    s.samples,
		SampleRate: recording.SampleRate,
		Metrics:    s.agg.Metrics(),
		ErrorLogs:  append([]ErrorLogEntry(nil), s.errorLogs...),
	}
	failed := s.state == Failed
	s.mu.Unlock()
	s.samples = nil
	connected := s.connected

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		switch {
		case failed:
			s.post(frames.NewFinalizedFrame(s.deps.Finalizer.Fail(ctx, job)))
			return
		case !connected:
			s.post(frames.NewFinalizedFrame(s.deps.Finalizer.Cancel(ctx, job)))
			return
		}
		out, err := s.deps.Finalizer.Finalize(ctx, job)
		s.mu.Lock()
		s.recordingURL = out.RecordingURL
		s.final = &out.Metrics
		s.errorLogs = out.ErrorLogs
		s.mu.Unlock()
		s.post(frames.NewFinalizedFrame(err))
	}()
}

func (s *Session) onRecordCreated(f *frames.RecordCreatedFrame) {
	s.recordPending = false
	state := s.State()

	if f.Error != nil {
		err := fmt.Errorf("failed to create call record: %w", f.Error)
		switch {
		case state == Connecting:
			s.fail(frames.SourceRecord, err)
			return
		case state.Live():
			s.log.Error("%v", err)
			s.appendError(frames.SourceRecord, err)
		default:
			s.appendError(frames.SourceRecord, err)
			s.handOff()
		}
		return
	}

	s.mu.Lock()
	s.id = f.RecordID
	s.mu.Unlock()
	s.log.Info("Call record %s created", f.RecordID)

	if state == Ending || state.Terminal() {
		s.handOff()
	}
}

func (s *Session) onFinalized(f *frames.FinalizedFrame) {
	outcome := "completed"
	switch {
	case s.State() == Failed:
		outcome = "failed"
	case !s.connected:
		outcome = "cancelled"
	}
	if f.Error != nil {
		s.log.Error("Finalize failed: %v", f.Error)
		outcome = "error"
	}
	telemetry.Finalizations.WithLabelValues(outcome).Inc()
	s.finish()
}

// finish closes the session. Idempotent.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		state := s.State()
		if s.counted {
			telemetry.CallsActive.Dec()
		}
		telemetry.CallsTotal.WithLabelValues(state.String()).Inc()
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.cancelRun()
		s.log.Info("Call finished (%s)", state)
		close(s.finished)
		s.box.Stop()
	})
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to.Terminal() {
		s.endedAt = s.endTime
	}
	callback := s.onTransition
	s.mu.Unlock()

	s.log.Info("%s -> %s", from, to)
	telemetry.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	if callback != nil {
		callback(from, to)
	}
}

func (s *Session) appendError(source frames.Source, err error) {
	entry := ErrorLogEntry{
		Timestamp: s.now().UTC(),
		Error:     err.Error(),
		Context:   string(source),
	}
	telemetry.Errors.WithLabelValues(string(source)).Inc()
	s.mu.Lock()
	s.errorLogs = append(s.errorLogs, entry)
	s.mu.Unlock()
}
