// Package upload stores call recordings and returns the analysis derived
// from them.
package upload

import (
	"context"
	"time"

	"github.com/square-key-labs/avatarcall/src/callmetrics"
)

// Blob is an encoded recording
type Blob struct {
	Data        []byte
	ContentType string
	Extension   string
	Duration    time.Duration
}

// Result is the stored location of a recording and, when the service
// produced one, its analysis
type Result struct {
	URL      string
	Analysis *callmetrics.Analysis
}

// Uploader is the recording upload collaborator
type Uploader interface {
	Upload(ctx context.Context, callID string, blob Blob) (Result, error)
}

// Analyzer derives conversation analysis from a recording
type Analyzer interface {
	Analyze(ctx context.Context, blob Blob) (*callmetrics.Analysis, error)
}
