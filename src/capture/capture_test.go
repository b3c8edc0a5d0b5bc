package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/frames"
)

type fakeStream struct {
	mu       sync.Mutex
	buf      []int16
	reads    int
	failOn   map[int]error
	stopped  bool
	closed   bool
	startErr error
}

func (f *fakeStream) Start() error { return f.startErr }

func (f *fakeStream) Read() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err, ok := f.failOn[f.reads]; ok {
		return err
	}
	for i := range f.buf {
		f.buf[i] = int16(f.reads)
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeDevice(fs *fakeStream, opts Options) *DeviceSource {
	s := NewDeviceSource(opts)
	s.open = func(_, _ int, buf []int16) (inputStream, error) {
		fs.buf = buf
		return fs, nil
	}
	return s
}

func TestDeviceSourceEmitsCopiedBlocks(t *testing.T) {
	fs := &fakeStream{}
	s := newFakeDevice(fs, Options{BlockSize: 8})

	ch, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := <-ch
	second := <-ch
	if first.Len() != 8 || first.SampleRate != DefaultSampleRate {
		t.Fatalf("unexpected frame shape: %v", first)
	}
	if first.Samples[0] == second.Samples[0] {
		t.Fatal("frames share the device buffer")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !fs.stopped || !fs.closed {
		t.Fatal("stream not released")
	}
	for range ch {
	}
}

func TestDeviceSourceOverflowIsDropout(t *testing.T) {
	fs := &fakeStream{failOn: map[int]error{1: portaudio.InputOverflowed}}
	dropouts := make(chan struct{}, 10)
	s := newFakeDevice(fs, Options{BlockSize: 4, OnDropout: func() { dropouts <- struct{}{} }})

	ch, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	select {
	case <-dropouts:
	case <-time.After(time.Second):
		t.Fatal("overflow not reported as dropout")
	}
	if f := <-ch; f == nil {
		t.Fatal("capture stopped after overflow")
	}
}

func TestDeviceSourceUnavailable(t *testing.T) {
	s := NewDeviceSource(Options{})
	s.open = func(int, int, []int16) (inputStream, error) {
		return nil, errors.New("no default input device")
	}
	if _, err := s.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Open error = %v, want ErrDeviceUnavailable", err)
	}

	fs := &fakeStream{startErr: errors.New("permission denied")}
	s = newFakeDevice(fs, Options{})
	if _, err := s.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if !fs.closed {
		t.Fatal("stream not closed after failed start")
	}
}

func TestDeviceSourceOpenAfterClose(t *testing.T) {
	s := newFakeDevice(&fakeStream{}, Options{})
	s.Close()
	if _, err := s.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close = %v, want ErrClosed", err)
	}
}

func TestStreamSourceReblocks(t *testing.T) {
	s := NewStreamSource(Options{BlockSize: 4, SampleRate: 16000})
	ch, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pcm := audio.PCMToBytes([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if err := s.Push(pcm[:3]); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Push(pcm[3:]); err != nil {
		t.Fatalf("Push: %v", err)
	}

	var got []*frames.AudioFrame
	for len(got) < 2 {
		got = append(got, <-ch)
	}
	if got[0].Samples[0] != 1 || got[1].Samples[0] != 5 || got[1].Samples[3] != 8 {
		t.Fatalf("unexpected blocks: %v %v", got[0].Samples, got[1].Samples)
	}
	if got[0].SampleRate != 16000 {
		t.Fatalf("rate = %d, want 16000", got[0].SampleRate)
	}

	s.Close()
	if _, ok := <-ch; ok {
		t.Fatal("partial block emitted on close")
	}
	if err := s.Push(pcm); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestStreamSourceClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStreamSource(Options{})
	ch, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed on context cancel")
	}
}
