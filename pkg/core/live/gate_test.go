package live

import (
	"errors"
	"testing"
)

func constantBlock(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}

func TestGate_DropsQuietBlocks(t *testing.T) {
	var sent [][]byte
	g := NewGate(0.01, func(pcm []byte) error {
		sent = append(sent, pcm)
		return nil
	})

	for _, level := range []float32{0, 0.001, 0.005, 0.0099} {
		ok, err := g.Process(constantBlock(160, level))
		if err != nil {
			t.Fatalf("Process error = %v", err)
		}
		if ok {
			t.Fatalf("block with level %v should have been dropped", level)
		}
	}
	if len(sent) != 0 {
		t.Fatalf("send called %d times for quiet blocks", len(sent))
	}

	ok, err := g.Process(constantBlock(160, 0.2))
	if err != nil || !ok {
		t.Fatalf("loud block: ok=%v err=%v", ok, err)
	}
	if len(sent) != 1 || len(sent[0]) != 320 {
		t.Fatalf("expected one 320-byte frame, got %d frames", len(sent))
	}

	passed, dropped := g.Stats()
	if passed != 1 || dropped != 4 {
		t.Fatalf("Stats = (%d, %d), want (1, 4)", passed, dropped)
	}
}

func TestGate_PropagatesSendError(t *testing.T) {
	boom := errors.New("not connected")
	g := NewGate(0, func([]byte) error { return boom })
	if g.Threshold() != DefaultVoiceThreshold {
		t.Fatalf("Threshold = %v, want default", g.Threshold())
	}
	if _, err := g.Process(constantBlock(16, 0.5)); !errors.Is(err, boom) {
		t.Fatalf("Process err = %v, want %v", err, boom)
	}
}
