package frames

import (
	"fmt"
	"time"
)

// DataFrame is the base for frames that must keep their arrival order
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

func newDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}

// AudioFrame is an immutable block of 16-bit signed mono PCM.
// The producer hands the sample slice over; it must not be written afterwards.
type AudioFrame struct {
	*DataFrame
	Samples    []int16
	SampleRate int
}

func NewAudioFrame(samples []int16, sampleRate int) *AudioFrame {
	return &AudioFrame{
		DataFrame:  newDataFrame("AudioFrame"),
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

// Len returns the number of samples
func (f *AudioFrame) Len() int {
	return len(f.Samples)
}

// Duration returns the playback length of the frame
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("%s[id=%d, samples=%d, rate=%d]", f.Name(), f.ID(), len(f.Samples), f.SampleRate)
}

// AssistantAudioFrame is one audio delta of an assistant response
type AssistantAudioFrame struct {
	*DataFrame
	ResponseID string
	ItemID     string
	Audio      *AudioFrame
}

func NewAssistantAudioFrame(responseID, itemID string, audio *AudioFrame) *AssistantAudioFrame {
	return &AssistantAudioFrame{
		DataFrame:  newDataFrame("AssistantAudioFrame"),
		ResponseID: responseID,
		ItemID:     itemID,
		Audio:      audio,
	}
}

// Role identifies the speaker of a transcript
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptFrame carries a partial or final transcript
type TranscriptFrame struct {
	*DataFrame
	Role       Role
	ResponseID string
	ItemID     string
	Text       string
	Final      bool
}

func NewTranscriptFrame(role Role, itemID, text string, final bool) *TranscriptFrame {
	return &TranscriptFrame{
		DataFrame: newDataFrame("TranscriptFrame"),
		Role:      role,
		ItemID:    itemID,
		Text:      text,
		Final:     final,
	}
}

// EngineReadyFrame signals the conversational engine handshake completed
// (session update acknowledged and the initial response created)
type EngineReadyFrame struct {
	*DataFrame
	SessionID string
}

func NewEngineReadyFrame(sessionID string) *EngineReadyFrame {
	return &EngineReadyFrame{DataFrame: newDataFrame("EngineReadyFrame"), SessionID: sessionID}
}

// EngineDisconnectedFrame signals the engine transport went away
type EngineDisconnectedFrame struct {
	*DataFrame
	Error error
}

func NewEngineDisconnectedFrame(err error) *EngineDisconnectedFrame {
	return &EngineDisconnectedFrame{DataFrame: newDataFrame("EngineDisconnectedFrame"), Error: err}
}

// InterruptionFrame signals the user barged in on an assistant response
type InterruptionFrame struct {
	*DataFrame
	ResponseID string
}

func NewInterruptionFrame(responseID string) *InterruptionFrame {
	return &InterruptionFrame{DataFrame: newDataFrame("InterruptionFrame"), ResponseID: responseID}
}

// UserStartedSpeakingFrame signals server-side VAD detected user speech
type UserStartedSpeakingFrame struct {
	*DataFrame
	At time.Time
}

func NewUserStartedSpeakingFrame(at time.Time) *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{DataFrame: newDataFrame("UserStartedSpeakingFrame"), At: at}
}

// UserStoppedSpeakingFrame signals a turn boundary
type UserStoppedSpeakingFrame struct {
	*DataFrame
	At time.Time
}

func NewUserStoppedSpeakingFrame(at time.Time) *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{DataFrame: newDataFrame("UserStoppedSpeakingFrame"), At: at}
}

// ResponseStartedFrame marks the beginning of an assistant response
type ResponseStartedFrame struct {
	*DataFrame
	ResponseID string
}

func NewResponseStartedFrame(responseID string) *ResponseStartedFrame {
	return &ResponseStartedFrame{DataFrame: newDataFrame("ResponseStartedFrame"), ResponseID: responseID}
}

// ResponseDoneFrame marks the end of an assistant response
type ResponseDoneFrame struct {
	*DataFrame
	ResponseID string
	Status     string
}

func NewResponseDoneFrame(responseID, status string) *ResponseDoneFrame {
	return &ResponseDoneFrame{DataFrame: newDataFrame("ResponseDoneFrame"), ResponseID: responseID, Status: status}
}

// LatencyFrame carries a round-trip time measured on a client connection
type LatencyFrame struct {
	*DataFrame
	Source Source
	RTT    time.Duration
}

func NewLatencyFrame(source Source, rtt time.Duration) *LatencyFrame {
	return &LatencyFrame{DataFrame: newDataFrame("LatencyFrame"), Source: source, RTT: rtt}
}
