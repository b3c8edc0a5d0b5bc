package capture

import (
	"context"
	"sync"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/frames"
)

// StreamSource is fed raw little-endian PCM16 by a remote client, such as a
// browser microphone over a websocket, and re-blocks it into fixed frames.
type StreamSource struct {
	opts Options

	mu      sync.Mutex
	pending []byte
	out     chan *frames.AudioFrame
	opened  bool
	closed  bool
}

func NewStreamSource(opts Options) *StreamSource {
	return &StreamSource{
		opts: opts.withDefaults(),
		out:  make(chan *frames.AudioFrame, frameBuffer),
	}
}

func (s *StreamSource) SampleRate() int {
	return s.opts.SampleRate
}

// Open returns the frame channel. Cancelling ctx closes the source.
func (s *StreamSource) Open(ctx context.Context) (<-chan *frames.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.opened {
		return nil, ErrAlreadyOpen
	}
	s.opened = true
	context.AfterFunc(ctx, func() { s.Close() })
	return s.out, nil
}

// Push appends PCM bytes and emits every complete block
func (s *StreamSource) Push(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.pending = append(s.pending, pcm...)
	blockBytes := s.opts.BlockSize * 2
	for len(s.pending) >= blockBytes {
		// blockBytes is even, so conversion cannot fail
		samples, _ := audio.BytesToPCM(s.pending[:blockBytes])
		s.pending = s.pending[blockBytes:]
		select {
		case s.out <- frames.NewAudioFrame(samples, s.opts.SampleRate):
		default:
			s.opts.dropout()
		}
	}
	// Compact so the backing array does not grow without bound
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

// Close ends the stream. Partial blocks are discarded.
func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	close(s.out)
	return nil
}
