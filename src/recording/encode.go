package recording

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/square-key-labs/avatarcall/src/audio"
	"github.com/square-key-labs/avatarcall/src/upload"
)

const (
	// 20 ms Opus frames
	opusFrameDuration = 20
	// Opus RTP and Ogg granule positions always run at 48 kHz
	opusClockRate  = 48000
	maxOpusPacket  = 4000
	opusBitrateBps = 32000
)

// Encoder turns mono PCM16 into an uploadable blob
type Encoder interface {
	Encode(samples []int16, sampleRate int) (upload.Blob, error)
}

// OggOpusEncoder produces an Ogg/Opus file
type OggOpusEncoder struct{}

func (OggOpusEncoder) Encode(samples []int16, sampleRate int) (upload.Blob, error) {
	if len(samples) == 0 {
		return upload.Blob{}, errors.New("empty recording")
	}
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return upload.Blob{}, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrateBps); err != nil {
		return upload.Blob{}, fmt.Errorf("opus bitrate: %w", err)
	}

	var buf bytes.Buffer
	ogg, err := oggwriter.NewWith(&buf, uint32(sampleRate), 1)
	if err != nil {
		return upload.Blob{}, fmt.Errorf("ogg writer: %w", err)
	}

	frameSize := sampleRate * opusFrameDuration / 1000
	step := uint32(opusClockRate * opusFrameDuration / 1000)
	pcm := make([]int16, frameSize)
	packet := make([]byte, maxOpusPacket)
	var (
		seq uint16
		ts  uint32
	)
	for off := 0; off < len(samples); off += frameSize {
		// Pad the final frame with silence
		n := copy(pcm, samples[off:])
		clear(pcm[n:])

		size, err := enc.Encode(pcm, packet)
		if err != nil {
			return upload.Blob{}, fmt.Errorf("opus encode: %w", err)
		}
		payload := make([]byte, size)
		copy(payload, packet[:size])

		if err := ogg.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: payload,
		}); err != nil {
			return upload.Blob{}, fmt.Errorf("ogg write: %w", err)
		}
		seq++
		ts += step
	}
	if err := ogg.Close(); err != nil {
		return upload.Blob{}, fmt.Errorf("ogg close: %w", err)
	}

	return upload.Blob{
		Data:        buf.Bytes(),
		ContentType: "audio/ogg",
		Extension:   "ogg",
		Duration:    durationOf(len(samples), sampleRate),
	}, nil
}

// WAVEncoder produces a PCM16 WAV file
type WAVEncoder struct{}

func (WAVEncoder) Encode(samples []int16, sampleRate int) (upload.Blob, error) {
	if len(samples) == 0 {
		return upload.Blob{}, errors.New("empty recording")
	}
	return upload.Blob{
		Data:        audio.EncodeWAV(samples, sampleRate),
		ContentType: "audio/wav",
		Extension:   "wav",
		Duration:    durationOf(len(samples), sampleRate),
	}, nil
}
