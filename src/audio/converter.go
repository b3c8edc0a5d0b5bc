package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesToPCM converts little-endian PCM16 bytes to samples
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts samples to little-endian PCM16 bytes
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// MixInto adds src into dst starting at offset, saturating at the int16
// bounds. dst is grown with silence when src runs past its end.
func MixInto(dst []int16, offset int, src []int16) []int16 {
	if offset < 0 {
		offset = 0
	}
	if need := offset + len(src); need > len(dst) {
		if need <= cap(dst) {
			old := len(dst)
			dst = dst[:need]
			clear(dst[old:])
		} else {
			grown := make([]int16, need, need+need/2)
			copy(grown, dst)
			dst = grown
		}
	}
	for i, s := range src {
		sum := int32(dst[offset+i]) + int32(s)
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		dst[offset+i] = int16(sum)
	}
	return dst
}

// RMS returns the root-mean-square level of the samples, normalised to [0, 1]
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, val := range pcm {
		f := float64(val) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
