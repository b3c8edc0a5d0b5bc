package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/square-key-labs/avatarcall/src/frames"
	"github.com/square-key-labs/avatarcall/src/logger"
)

// inputStream is the subset of *portaudio.Stream the read loop needs
type inputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

type streamOpener func(sampleRate, blockSize int, buf []int16) (inputStream, error)

// DeviceSource captures from the default input device through PortAudio
type DeviceSource struct {
	opts Options
	open streamOpener
	log  *logger.Logger

	mu     sync.Mutex
	stream inputStream
	out    chan *frames.AudioFrame
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewDeviceSource creates a source bound to the default microphone
func NewDeviceSource(opts Options) *DeviceSource {
	return &DeviceSource{
		opts: opts.withDefaults(),
		open: openPortAudio,
		log:  logger.WithPrefix("Capture"),
	}
}

func (s *DeviceSource) SampleRate() int {
	return s.opts.SampleRate
}

// Open starts capture. Device errors are wrapped in ErrDeviceUnavailable.
func (s *DeviceSource) Open(ctx context.Context) (<-chan *frames.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.stream != nil {
		return nil, ErrAlreadyOpen
	}

	buf := make([]int16, s.opts.BlockSize)
	stream, err := s.open(s.opts.SampleRate, s.opts.BlockSize, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.out = make(chan *frames.AudioFrame, frameBuffer)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.readLoop(ctx, stream, buf)

	s.log.Info("Microphone open (%d Hz, %d samples per frame)", s.opts.SampleRate, s.opts.BlockSize)
	return s.out, nil
}

func (s *DeviceSource) readLoop(ctx context.Context, stream inputStream, buf []int16) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.opts.dropout()
				continue
			}
			s.log.Error("Read failed, stopping capture: %v", err)
			return
		}

		samples := make([]int16, len(buf))
		copy(samples, buf)
		select {
		case s.out <- frames.NewAudioFrame(samples, s.opts.SampleRate):
		default:
			// Consumer fell behind
			s.opts.dropout()
		}
	}
}

// Close stops the device. Safe to call more than once.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream, stop, done := s.stream, s.stop, s.done
	s.mu.Unlock()

	if stream == nil {
		return nil
	}

	// A blocked Read returns within one block; let the loop exit before
	// the stream is stopped underneath it
	close(stop)
	<-done
	stopErr := stream.Stop()
	closeErr := stream.Close()

	s.log.Info("Microphone closed")
	return errors.Join(stopErr, closeErr)
}

// paStream releases the PortAudio library reference with the stream
type paStream struct {
	*portaudio.Stream
}

func (p paStream) Close() error {
	err := p.Stream.Close()
	return errors.Join(err, portaudio.Terminate())
}

func openPortAudio(sampleRate, blockSize int, buf []int16) (inputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), blockSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return paStream{Stream: stream}, nil
}
