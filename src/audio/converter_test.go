package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestBytesToPCM_OddLength(t *testing.T) {
	if _, err := BytesToPCM([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for odd length")
	}
}

func TestPCMToBytes_LittleEndian(t *testing.T) {
	b := PCMToBytes([]int16{-2, 513})
	if got := int16(binary.LittleEndian.Uint16(b[0:])); got != -2 {
		t.Fatalf("got %d", got)
	}
	if b[2] != 0x01 || b[3] != 0x02 {
		t.Fatalf("unexpected byte order %v", b[2:])
	}
	back, err := BytesToPCM(b)
	if err != nil || back[1] != 513 {
		t.Fatalf("unexpected decode %v %v", back, err)
	}
}

func TestMixInto_GrowsAndSaturates(t *testing.T) {
	dst := []int16{100, math.MaxInt16 - 10}
	dst = MixInto(dst, 1, []int16{50, 7})
	if len(dst) != 3 {
		t.Fatalf("expected growth to 3, got %d", len(dst))
	}
	if dst[0] != 100 || dst[1] != math.MaxInt16 || dst[2] != 7 {
		t.Fatalf("unexpected mix result %v", dst)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	wav := EncodeWAV([]int16{1, 2, 3}, 24000)
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad header")
	}
	if binary.LittleEndian.Uint32(wav[24:28]) != 24000 {
		t.Fatalf("bad sample rate")
	}
	if binary.LittleEndian.Uint32(wav[40:44]) != 6 {
		t.Fatalf("bad data length")
	}
}
