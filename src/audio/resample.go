package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/square-key-labs/avatarcall/src/frames"
)

const (
	// FilterTaps is the length of the anti-aliasing FIR kernel
	FilterTaps = 31
	// CutoffRatio places the low-pass cutoff relative to the target rate
	CutoffRatio = 0.45
)

var (
	// ErrUpsampleUnsupported is returned when toRate exceeds fromRate
	ErrUpsampleUnsupported = errors.New("audio: upsampling is not supported")
	// ErrInvalidSampleRate is returned for non-positive rates
	ErrInvalidSampleRate = errors.New("audio: invalid sample rate")
)

// Resample converts a frame from fromRate to toRate. Equal rates return the
// same frame. Only downsampling is supported: the signal is band-limited by a
// Hamming-windowed sinc filter and then decimated by linear interpolation.
func Resample(frame *frames.AudioFrame, fromRate, toRate int) (*frames.AudioFrame, error) {
	if frame == nil {
		return nil, errors.New("audio: nil frame")
	}
	if fromRate == toRate && fromRate > 0 {
		return frame, nil
	}
	out, err := ResampleSamples(frame.Samples, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return frames.NewAudioFrame(out, toRate), nil
}

// ResampleSamples is the slice-level form of Resample.
// The output has floor(len(samples) * toRate / fromRate) samples.
func ResampleSamples(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidSampleRate, fromRate, toRate)
	}
	if fromRate == toRate {
		return samples, nil
	}
	if fromRate < toRate {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUpsampleUnsupported, fromRate, toRate)
	}

	kernel := LowPassKernel(CutoffRatio*float64(toRate), float64(fromRate), FilterTaps)
	filtered := convolve(samples, kernel)

	ratio := float64(fromRate) / float64(toRate)
	outLen := len(samples) * toRate / fromRate
	out := make([]int16, outLen)
	for i := range outLen {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = toInt16(interpolate(filtered, idx, pos-float64(idx)))
	}
	return out, nil
}

// LowPassKernel builds a windowed-sinc FIR kernel (Hamming window) with the
// given cutoff in Hz for a signal sampled at sampleRate. The kernel is
// normalised to unity gain at DC.
func LowPassKernel(cutoff, sampleRate float64, taps int) []float64 {
	fc := cutoff / sampleRate
	half := (taps - 1) / 2
	kernel := make([]float64, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 2 * fc
		if n != 0 {
			x := 2 * math.Pi * fc * n
			sinc = math.Sin(x) / (math.Pi * n)
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(taps-1))
		kernel[i] = sinc * w
		sum += kernel[i]
	}

	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolve applies the kernel centred on each sample. Taps that fall outside
// the input contribute nothing.
func convolve(samples []int16, kernel []float64) []float64 {
	half := len(kernel) / 2
	out := make([]float64, len(samples))
	for i := range samples {
		jStart := max(0, half-i)
		jEnd := min(len(kernel), len(samples)-i+half)
		var acc float64
		for j := jStart; j < jEnd; j++ {
			acc += float64(samples[i+j-half]) * kernel[j]
		}
		out[i] = acc
	}
	return out
}

func interpolate(samples []float64, idx int, frac float64) float64 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}

// toInt16 rounds to the nearest integer. Values past the int16 range only
// occur from filter ripple and are pinned to its bounds.
func toInt16(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
