package realtime

// Client events

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type sessionUpdateEvent struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type appendAudioEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type simpleEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// Server events. One struct covers every type the client handles; fields
// not used by a given type stay empty.
type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session"`

	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	evSessionUpdate = "session.update"
	evAppendAudio   = "input_audio_buffer.append"
	evResponseNew   = "response.create"
	evCancel        = "response.cancel"

	evSessionCreated     = "session.created"
	evSessionUpdated     = "session.updated"
	evResponseCreated    = "response.created"
	evResponseDone       = "response.done"
	evAudioDelta         = "response.audio.delta"
	evTranscriptDelta    = "response.audio_transcript.delta"
	evInputTranscription = "conversation.item.input_audio_transcription.completed"
	evSpeechStarted      = "input_audio_buffer.speech_started"
	evSpeechStopped      = "input_audio_buffer.speech_stopped"
	evError              = "error"
)
