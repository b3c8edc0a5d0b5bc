package avatar

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"

	"github.com/square-key-labs/avatarcall/src/audio"
)

const (
	// Renderer audio arrives as 20 ms Opus frames at 48 kHz
	opusSampleRate   = 48000
	opusFrameSamples = 960
)

// IVFVideoOutput writes the renderer's VP8 video to an IVF stream
type IVFVideoOutput struct {
	mu     sync.Mutex
	w      *ivfwriter.IVFWriter
	closed bool
}

func NewIVFVideoOutput(w io.Writer) (*IVFVideoOutput, error) {
	iw, err := ivfwriter.NewWith(w)
	if err != nil {
		return nil, err
	}
	return &IVFVideoOutput{w: iw}, nil
}

func (o *IVFVideoOutput) WriteRTP(pkt *rtp.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return io.ErrClosedPipe
	}
	return o.w.WriteRTP(pkt)
}

func (o *IVFVideoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.w.Close()
}

// PCMAudioOutput decodes the renderer's Opus audio and writes it as a WAV
// file on Close
type PCMAudioOutput struct {
	mu     sync.Mutex
	dec    opus.Decoder
	buf    []byte
	pcm    []int16
	w      io.Writer
	errors int
	closed bool
}

func NewPCMAudioOutput(w io.Writer) *PCMAudioOutput {
	return &PCMAudioOutput{
		dec: opus.NewDecoder(),
		buf: make([]byte, opusFrameSamples*2),
		w:   w,
	}
}

func (o *PCMAudioOutput) WriteRTP(pkt *rtp.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return io.ErrClosedPipe
	}
	if len(pkt.Payload) == 0 {
		return nil
	}
	if _, _, err := o.dec.Decode(pkt.Payload, o.buf); err != nil {
		o.errors++
		return err
	}
	samples, err := audio.BytesToPCM(o.buf)
	if err != nil {
		return err
	}
	o.pcm = append(o.pcm, samples...)
	return nil
}

// Samples returns the number of decoded samples so far
func (o *PCMAudioOutput) Samples() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pcm)
}

func (o *PCMAudioOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	_, err := o.w.Write(audio.EncodeWAV(o.pcm, opusSampleRate))
	if c, ok := o.w.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
