package callmetrics

import (
	"time"

	"github.com/square-key-labs/avatarcall/src/frames"
)

const (
	dropoutPenalty = 5.0
	errorPenalty   = 10.0
)

// Aggregator is a push-model accumulator. It is owned by the session loop
// and is not safe for concurrent use.
type Aggregator struct {
	m CallMetrics

	technicalSet bool

	speechStart   time.Time
	speaking      bool
	awaitingReply bool
	turnEnd       time.Time

	responseSamples int
	latencySamples  int
}

// NewAggregator returns an aggregator seeded with Initial()
func NewAggregator() *Aggregator {
	return &Aggregator{m: Initial()}
}

// CaptureTechnical records the environment. Calls after the first are ignored.
func (a *Aggregator) CaptureTechnical(t Technical) {
	if a.technicalSet {
		return
	}
	a.m.Technical = t
	a.technicalSet = true
}

// SpeechStarted opens a user speech segment
func (a *Aggregator) SpeechStarted(at time.Time) {
	if a.speaking {
		return
	}
	a.speaking = true
	a.speechStart = at
	// The user took the floor again before the assistant answered
	a.awaitingReply = false
}

// SpeechStopped closes the current segment and marks a turn boundary
func (a *Aggregator) SpeechStopped(at time.Time) {
	if a.speaking {
		if d := at.Sub(a.speechStart); d > 0 {
			a.m.Conversation.UserSpeakingTime += d
		}
		a.speaking = false
	}
	a.m.Conversation.TurnsCount++
	a.awaitingReply = true
	a.turnEnd = at
}

// AssistantAudio accounts one assistant audio delta of length d received at
// at. The first delta after a turn boundary yields a response time sample,
// which is returned with ok set.
func (a *Aggregator) AssistantAudio(at time.Time, d time.Duration) (sample time.Duration, ok bool) {
	a.m.Conversation.AvatarSpeakingTime += d

	if !a.awaitingReply {
		return 0, false
	}
	a.awaitingReply = false

	sample = at.Sub(a.turnEnd)
	if sample < 0 {
		sample = 0
	}
	a.responseSamples++
	avg := a.m.Conversation.AvgResponseTime
	a.m.Conversation.AvgResponseTime = avg + (sample-avg)/time.Duration(a.responseSamples)
	return sample, true
}

// Dropout degrades the quality score of the side that lost audio or video
func (a *Aggregator) Dropout(source frames.Source) {
	a.m.Quality.DropoutCount++
	a.degrade(source, dropoutPenalty)
}

// ReportError degrades the quality score of the side that failed
func (a *Aggregator) ReportError(source frames.Source) {
	a.degrade(source, errorPenalty)
}

// ReportLatency adds a network latency sample measured by a client
func (a *Aggregator) ReportLatency(d time.Duration) {
	a.latencySamples++
	avg := a.m.Quality.NetworkLatency
	a.m.Quality.NetworkLatency = avg + (d-avg)/time.Duration(a.latencySamples)
}

func (a *Aggregator) degrade(source frames.Source, by float64) {
	switch source {
	case frames.SourceRenderer:
		a.m.Quality.VideoQuality = max(0, a.m.Quality.VideoQuality-by)
	case frames.SourceCapture, frames.SourceEngine:
		a.m.Quality.AudioQuality = max(0, a.m.Quality.AudioQuality-by)
	}
}

// Close ends an open speech segment at the given time
func (a *Aggregator) Close(at time.Time) {
	if a.speaking {
		if d := at.Sub(a.speechStart); d > 0 {
			a.m.Conversation.UserSpeakingTime += d
		}
		a.speaking = false
	}
	a.awaitingReply = false
}

// Metrics returns a copy of the current values
func (a *Aggregator) Metrics() CallMetrics {
	return a.m
}
