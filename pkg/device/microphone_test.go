package device

import (
	"encoding/binary"
	"math"
	"testing"
)

func floatFrames(samples ...float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

func TestBlockerEmitsFixedBlocks(t *testing.T) {
	var blocks [][]float32
	b := newBlocker(3, 1, func(block []float32) { blocks = append(blocks, block) })

	b.write(floatFrames(0.1, 0.2))
	if len(blocks) != 0 {
		t.Fatalf("emitted %d blocks before a full block", len(blocks))
	}
	b.write(floatFrames(0.3, 0.4, 0.5, 0.6, 0.7))

	if len(blocks) != 2 {
		t.Fatalf("emitted %d blocks, want 2", len(blocks))
	}
	want := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	for i, w := range want {
		if got := blocks[i/3][i%3]; got != w {
			t.Fatalf("sample %d = %v, want %v", i, got, w)
		}
	}
	if len(b.buf) != 1 || b.buf[0] != 0.7 {
		t.Fatalf("carry-over = %v, want [0.7]", b.buf)
	}
}

func TestBlockerDownmixesStereo(t *testing.T) {
	var got []float32
	b := newBlocker(2, 2, func(block []float32) { got = append(got, block...) })

	b.write(floatFrames(0.5, -0.5, 1, 0))

	if len(got) != 2 || got[0] != 0 || got[1] != 0.5 {
		t.Fatalf("downmixed = %v, want [0 0.5]", got)
	}
}

func TestBlockerIgnoresPartialFrame(t *testing.T) {
	var got []float32
	b := newBlocker(1, 1, func(block []float32) { got = append(got, block...) })

	b.write(append(floatFrames(0.25), 0xff, 0xff))

	if len(got) != 1 || got[0] != 0.25 {
		t.Fatalf("got %v, want [0.25]", got)
	}
}
