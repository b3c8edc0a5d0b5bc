package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
	"github.com/square-key-labs/avatarcall/src/logger"
	"github.com/square-key-labs/avatarcall/src/records"
	"github.com/square-key-labs/avatarcall/src/upload"
)

// ErrNoRecord is returned when a call ended before its record was created
var ErrNoRecord = errors.New("recording: call has no record to finalize")

// Job is everything needed to finalize one ended call
type Job struct {
	CallID     string
	StartedAt  time.Time
	EndedAt    time.Time
	Samples    []int16
	SampleRate int
	Metrics    callmetrics.CallMetrics
	ErrorLogs  []records.ErrorLogEntry
}

// Outcome describes what was persisted
type Outcome struct {
	Duration     time.Duration
	RecordingURL string
	Metrics      callmetrics.CallMetrics
	ErrorLogs    []records.ErrorLogEntry
}

// Finalizer uploads the recording and patches the call record once
type Finalizer struct {
	store    records.Store
	uploader upload.Uploader
	encoders []Encoder
	log      *logger.Logger
}

// NewFinalizer creates a finalizer. Encoders are tried in order; with none
// given, Ogg/Opus is tried first and WAV is the fallback.
func NewFinalizer(store records.Store, uploader upload.Uploader, encoders ...Encoder) *Finalizer {
	if len(encoders) == 0 {
		encoders = []Encoder{OggOpusEncoder{}, WAVEncoder{}}
	}
	return &Finalizer{
		store:    store,
		uploader: uploader,
		encoders: encoders,
		log:      logger.WithPrefix("Finalizer"),
	}
}

// Finalize uploads the recording and issues the single completing patch.
// Upload failures are logged to the call's error log; the record is still
// completed, without a recording.
func (f *Finalizer) Finalize(ctx context.Context, job Job) (Outcome, error) {
	out := Outcome{
		Duration:  job.EndedAt.Sub(job.StartedAt),
		Metrics:   job.Metrics,
		ErrorLogs: append([]records.ErrorLogEntry(nil), job.ErrorLogs...),
	}
	if job.CallID == "" {
		return out, ErrNoRecord
	}

	var analysis *callmetrics.Analysis
	if blob, err := f.encode(job.Samples, job.SampleRate); err != nil {
		out.ErrorLogs = append(out.ErrorLogs, logEntry(err, "recording encode"))
	} else if f.uploader == nil {
		f.log.Debug("No uploader configured, recording of %s discarded", job.CallID)
	} else if res, err := f.uploader.Upload(ctx, job.CallID, blob); err != nil {
		f.log.Error("Upload failed for %s: %v", job.CallID, err)
		out.ErrorLogs = append(out.ErrorLogs, logEntry(err, "recording upload"))
	} else {
		out.RecordingURL = res.URL
		analysis = res.Analysis
	}

	out.Metrics = callmetrics.ApplyAnalysis(out.Metrics, analysis)
	conversation := out.Metrics.Conversation

	err := f.store.Patch(ctx, job.CallID, records.Patch{
		Status:              records.StatusCompleted,
		EndedAt:             job.EndedAt,
		Duration:            out.Duration,
		RecordingURL:        out.RecordingURL,
		Analysis:            analysis,
		ConversationMetrics: &conversation,
		ErrorLogs:           out.ErrorLogs,
	})
	if err != nil {
		return out, fmt.Errorf("failed to finalize call record: %w", err)
	}

	f.log.Info("Finalized call %s (duration %s, recording %q)", job.CallID, out.Duration.Round(time.Millisecond), out.RecordingURL)
	return out, nil
}

// Fail marks the call record failed, flushing the metrics gathered so far.
// No recording is uploaded.
func (f *Finalizer) Fail(ctx context.Context, job Job) error {
	return f.close(ctx, job, records.StatusFailed)
}

// Cancel marks the record of a call that ended before it connected. No
// recording is uploaded.
func (f *Finalizer) Cancel(ctx context.Context, job Job) error {
	return f.close(ctx, job, records.StatusCancelled)
}

func (f *Finalizer) close(ctx context.Context, job Job, status records.Status) error {
	if job.CallID == "" {
		return ErrNoRecord
	}
	conversation := job.Metrics.Conversation
	err := f.store.Patch(ctx, job.CallID, records.Patch{
		Status:              status,
		EndedAt:             job.EndedAt,
		Duration:            job.EndedAt.Sub(job.StartedAt),
		ConversationMetrics: &conversation,
		ErrorLogs:           job.ErrorLogs,
	})
	if err != nil {
		return fmt.Errorf("failed to mark call record %s: %w", status, err)
	}
	f.log.Info("Marked call %s %s", job.CallID, status)
	return nil
}

func (f *Finalizer) encode(samples []int16, rate int) (upload.Blob, error) {
	if len(samples) == 0 {
		return upload.Blob{}, errors.New("no audio recorded")
	}
	if rate <= 0 {
		rate = SampleRate
	}
	var errs []error
	for _, enc := range f.encoders {
		blob, err := enc.Encode(samples, rate)
		if err == nil {
			return blob, nil
		}
		f.log.Warn("Encoder %T failed: %v", enc, err)
		errs = append(errs, err)
	}
	return upload.Blob{}, errors.Join(errs...)
}

func logEntry(err error, context string) records.ErrorLogEntry {
	return records.ErrorLogEntry{Timestamp: time.Now().UTC(), Error: err.Error(), Context: context}
}

func durationOf(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
