// Package capture produces fixed-size PCM frames from a microphone.
package capture

import (
	"context"
	"errors"

	"github.com/square-key-labs/avatarcall/src/frames"
)

const (
	// DefaultSampleRate is the native capture rate
	DefaultSampleRate = 24000
	// DefaultBlockSize is the number of samples per emitted frame
	DefaultBlockSize = 2048

	frameBuffer = 64
)

var (
	// ErrDeviceUnavailable is terminal: no input device, or access denied
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
	// ErrClosed is returned by operations on a closed source
	ErrClosed = errors.New("capture: source closed")
	// ErrAlreadyOpen is returned when Open is called twice
	ErrAlreadyOpen = errors.New("capture: source already open")
)

// Source emits AudioFrames of a fixed block size at a fixed sample rate.
// The channel returned by Open is closed when the source stops.
type Source interface {
	Open(ctx context.Context) (<-chan *frames.AudioFrame, error)
	Close() error
	SampleRate() int
}

// Options configures a source
type Options struct {
	SampleRate int
	BlockSize  int
	// OnDropout is called when captured audio had to be discarded. It may be
	// called from the capture goroutine.
	OnDropout func()
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

func (o Options) dropout() {
	if o.OnDropout != nil {
		o.OnDropout()
	}
}
