// Package callmetrics accumulates quality, conversation and technical
// metrics over the lifetime of one call. Durations are kept as
// time.Duration; the JSON form names its unit in every field.
package callmetrics

import (
	"encoding/json"
	"time"
)

// Quality scores start optimistic and are degraded by reported signals
type Quality struct {
	AudioQuality   float64       // 0-100
	VideoQuality   float64       // 0-100
	NetworkLatency time.Duration // mean of reported samples
	DropoutCount   int
}

type qualityJSON struct {
	AudioQuality     float64 `json:"audioQuality"`
	VideoQuality     float64 `json:"videoQuality"`
	NetworkLatencyMs float64 `json:"networkLatencyMs"`
	DropoutCount     int     `json:"dropoutCount"`
}

func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(qualityJSON{
		AudioQuality:     q.AudioQuality,
		VideoQuality:     q.VideoQuality,
		NetworkLatencyMs: millis(q.NetworkLatency),
		DropoutCount:     q.DropoutCount,
	})
}

func (q *Quality) UnmarshalJSON(data []byte) error {
	var v qualityJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*q = Quality{
		AudioQuality:   v.AudioQuality,
		VideoQuality:   v.VideoQuality,
		NetworkLatency: fromMillis(v.NetworkLatencyMs),
		DropoutCount:   v.DropoutCount,
	}
	return nil
}

// Conversation holds turn-level statistics
type Conversation struct {
	UserSpeakingTime   time.Duration
	AvatarSpeakingTime time.Duration
	TurnsCount         int
	AvgResponseTime    time.Duration
}

type conversationJSON struct {
	UserSpeakingTimeSec   float64 `json:"userSpeakingTimeSec"`
	AvatarSpeakingTimeSec float64 `json:"avatarSpeakingTimeSec"`
	TurnsCount            int     `json:"turnsCount"`
	AvgResponseTimeMs     float64 `json:"avgResponseTimeMs"`
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationJSON{
		UserSpeakingTimeSec:   c.UserSpeakingTime.Seconds(),
		AvatarSpeakingTimeSec: c.AvatarSpeakingTime.Seconds(),
		TurnsCount:            c.TurnsCount,
		AvgResponseTimeMs:     millis(c.AvgResponseTime),
	})
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var v conversationJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Conversation{
		UserSpeakingTime:   fromSeconds(v.UserSpeakingTimeSec),
		AvatarSpeakingTime: fromSeconds(v.AvatarSpeakingTimeSec),
		TurnsCount:         v.TurnsCount,
		AvgResponseTime:    fromMillis(v.AvgResponseTimeMs),
	}
	return nil
}

// Technical describes the environment the call ran in. Captured once.
type Technical struct {
	Browser string `json:"browser"`
	Device  string `json:"device"`
	Network string `json:"network"`
	OS      string `json:"os"`
}

// CallMetrics is the value persisted with the call record
type CallMetrics struct {
	Quality      Quality      `json:"qualityMetrics"`
	Conversation Conversation `json:"conversationMetrics"`
	Technical    Technical    `json:"technicalDetails"`
}

// Initial returns the optimistic seed values
func Initial() CallMetrics {
	return CallMetrics{
		Quality: Quality{AudioQuality: 100, VideoQuality: 100},
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
