// Package recording captures the mixed call audio and finalizes the call
// record once the session has ended.
package recording

import (
	"time"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/frames"
)

// SampleRate is the rate of the mixed recording
const SampleRate = 24000

// track is one party's audio laid out on the call timeline
type track struct {
	samples []int16
}

// place writes samples no earlier than offset and never over audio already
// on the track, so bursts of deltas play back to back
func (t *track) place(offset int, samples []int16) {
	pos := max(offset, len(t.samples))
	t.samples = audio.MixInto(t.samples, pos, samples)
}

// Recorder keeps the user and assistant tracks of one call. It is owned by
// the session loop and is not safe for concurrent use.
type Recorder struct {
	started   time.Time
	running   bool
	user      track
	assistant track
	dropped   int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start anchors the timeline. Calls after the first are ignored.
func (r *Recorder) Start(at time.Time) {
	if r.running || !r.started.IsZero() {
		return
	}
	r.started = at
	r.running = true
}

// Running reports whether audio is being recorded
func (r *Recorder) Running() bool {
	return r.running
}

func (r *Recorder) offset(at time.Time) int {
	d := at.Sub(r.started)
	if d < 0 {
		return 0
	}
	return int(d * SampleRate / time.Second)
}

// AddUser records microphone audio captured at at
func (r *Recorder) AddUser(frame *frames.AudioFrame, at time.Time) {
	r.add(&r.user, frame, at)
}

// AddAssistant records assistant audio received at at
func (r *Recorder) AddAssistant(frame *frames.AudioFrame, at time.Time) {
	r.add(&r.assistant, frame, at)
}

func (r *Recorder) add(t *track, frame *frames.AudioFrame, at time.Time) {
	if !r.running || frame == nil {
		return
	}
	f, err := audio.Resample(frame, frame.SampleRate, SampleRate)
	if err != nil {
		r.dropped++
		return
	}
	t.place(r.offset(at), f.Samples)
}

// Interrupt cuts assistant audio that would have played after at
func (r *Recorder) Interrupt(at time.Time) {
	if !r.running {
		return
	}
	if cut := r.offset(at); cut < len(r.assistant.samples) {
		r.assistant.samples = r.assistant.samples[:cut]
	}
}

// Dropped returns the number of frames that could not be recorded
func (r *Recorder) Dropped() int {
	return r.dropped
}

// Stop ends the recording and returns the mixed samples. The recording
// covers the call up to at. Stop after the first call returns nil.
func (r *Recorder) Stop(at time.Time) []int16 {
	if !r.running {
		return nil
	}
	r.running = false

	n := max(r.offset(at), len(r.user.samples), len(r.assistant.samples))
	mixed := make([]int16, n)
	mixed = audio.MixInto(mixed, 0, r.user.samples)
	mixed = audio.MixInto(mixed, 0, r.assistant.samples)

	r.user.samples = nil
	r.assistant.samples = nil
	return mixed
}
