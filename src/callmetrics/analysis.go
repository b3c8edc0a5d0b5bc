package callmetrics

import "time"

// ConversationAnalysis is the server-derived counterpart of Conversation.
// Nil fields were not derived and leave the live value in place.
type ConversationAnalysis struct {
	UserSpeakingTimeSec   *float64 `json:"userSpeakingTimeSec,omitempty"`
	AvatarSpeakingTimeSec *float64 `json:"avatarSpeakingTimeSec,omitempty"`
	TurnsCount            *int     `json:"turnsCount,omitempty"`
	AvgResponseTimeMs     *float64 `json:"avgResponseTimeMs,omitempty"`
}

// Analysis is what the recording upload service derives from the audio
type Analysis struct {
	Summary             string                `json:"summary,omitempty"`
	Sentiment           string                `json:"sentiment,omitempty"`
	Topics              []string              `json:"topics,omitempty"`
	Transcript          string                `json:"transcript,omitempty"`
	ConversationMetrics *ConversationAnalysis `json:"conversationMetrics,omitempty"`
}

// ApplyAnalysis returns m with the conversation group superseded by the
// values present in the analysis
func ApplyAnalysis(m CallMetrics, a *Analysis) CallMetrics {
	if a == nil || a.ConversationMetrics == nil {
		return m
	}
	ca := a.ConversationMetrics
	if ca.UserSpeakingTimeSec != nil {
		m.Conversation.UserSpeakingTime = fromSeconds(*ca.UserSpeakingTimeSec)
	}
	if ca.AvatarSpeakingTimeSec != nil {
		m.Conversation.AvatarSpeakingTime = fromSeconds(*ca.AvatarSpeakingTimeSec)
	}
	if ca.TurnsCount != nil {
		m.Conversation.TurnsCount = *ca.TurnsCount
	}
	if ca.AvgResponseTimeMs != nil {
		m.Conversation.AvgResponseTime = fromMillis(*ca.AvgResponseTimeMs)
	}
	return m
}

// Seconds and Millis build analysis fields
func Seconds(d time.Duration) *float64 {
	v := d.Seconds()
	return &v
}

func Millis(d time.Duration) *float64 {
	v := millis(d)
	return &v
}
