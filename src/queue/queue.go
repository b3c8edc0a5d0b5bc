// Package queue implements the outbound audio queue that paces PCM frames
// into the avatar renderer.
//
// The queue is not safe for concurrent use. It is owned by a single session
// goroutine; its drain is driven by a Scheduler that re-enters the owner
// rather than by a loop, so other pending work runs between frames.
package queue

import (
	"time"

	"github.com/square-key-labs/avatarcall/src/frames"
)

// DefaultMinInterval is the minimum gap between two dispatches
const DefaultMinInterval = 50 * time.Millisecond

// Sink receives dispatched frames
type Sink interface {
	SendAudioData(frame *frames.AudioFrame) error
}

// Scheduler runs fn on the queue owner's goroutine after d.
// The returned function cancels a step that has not run yet.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// Config holds queue options
type Config struct {
	MinInterval time.Duration
	// OnDispatch is called after every dispatch attempt
	OnDispatch func(frame *frames.AudioFrame, err error)
}

// OutboundQueue is a FIFO of audio frames with at most one frame in flight
type OutboundQueue struct {
	sink     Sink
	sched    Scheduler
	interval time.Duration

	pending    []*frames.AudioFrame
	sending    bool
	generation uint64
	cancelStep func()

	onDispatch func(frame *frames.AudioFrame, err error)

	dispatched int
	cleared    int
}

// New creates an outbound queue feeding sink
func New(sink Sink, sched Scheduler, cfg Config) *OutboundQueue {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &OutboundQueue{
		sink:       sink,
		sched:      sched,
		interval:   interval,
		onDispatch: cfg.OnDispatch,
	}
}

// Enqueue appends a frame and starts draining if the queue is idle
func (q *OutboundQueue) Enqueue(frame *frames.AudioFrame) {
	if frame == nil || frame.Len() == 0 {
		return
	}
	q.pending = append(q.pending, frame)
	q.DrainStep()
}

// DrainStep dispatches the head frame when nothing is in flight and
// schedules the next step after the minimum interval.
func (q *OutboundQueue) DrainStep() {
	if q.sending || len(q.pending) == 0 {
		return
	}

	frame := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.sending = true

	err := q.sink.SendAudioData(frame)
	q.dispatched++
	if q.onDispatch != nil {
		q.onDispatch(frame, err)
	}

	gen := q.generation
	q.cancelStep = q.sched.Schedule(q.interval, func() { q.stepDone(gen) })
}

// stepDone releases the in-flight slot and continues the drain
func (q *OutboundQueue) stepDone(gen uint64) {
	if gen != q.generation {
		// Cleared while this step was pending
		return
	}
	q.sending = false
	q.cancelStep = nil
	if len(q.pending) > 0 {
		q.DrainStep()
	}
}

// Clear drops every pending frame and stops the drain. It returns the
// number of frames dropped.
func (q *OutboundQueue) Clear() int {
	dropped := len(q.pending)
	for i := range q.pending {
		q.pending[i] = nil
	}
	q.pending = q.pending[:0]
	q.generation++
	if q.cancelStep != nil {
		q.cancelStep()
		q.cancelStep = nil
	}
	q.sending = false
	q.cleared += dropped
	return dropped
}

// Len returns the number of frames waiting to be dispatched
func (q *OutboundQueue) Len() int {
	return len(q.pending)
}

// InFlight reports whether a dispatch is waiting out its interval
func (q *OutboundQueue) InFlight() bool {
	return q.sending
}

// Stats returns the dispatched and cleared frame counts
func (q *OutboundQueue) Stats() (dispatched, cleared int) {
	return q.dispatched, q.cleared
}
