package live

import "sync/atomic"

// DefaultVoiceThreshold is the RMS level above which a captured block is
// treated as speech.
const DefaultVoiceThreshold = 0.01

// Gate drops captured blocks whose RMS energy is at or below the threshold and
// forwards the rest as PCM16.
type Gate struct {
	threshold float64
	send      func(pcm []byte) error

	passed  atomic.Int64
	dropped atomic.Int64
}

// NewGate creates a gate that hands voiced blocks to send.
// A non-positive threshold falls back to DefaultVoiceThreshold.
func NewGate(threshold float64, send func(pcm []byte) error) *Gate {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return &Gate{threshold: threshold, send: send}
}

// Threshold returns the configured RMS threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Process gates one captured block. It reports whether the block was sent.
func (g *Gate) Process(samples []float32) (bool, error) {
	if CalculateRMS(samples) <= g.threshold {
		g.dropped.Add(1)
		return false, nil
	}
	g.passed.Add(1)
	if g.send == nil {
		return true, nil
	}
	return true, g.send(FloatToPCM16(samples))
}

// Stats returns the number of forwarded and dropped blocks.
func (g *Gate) Stats() (passed, dropped int64) {
	return g.passed.Load(), g.dropped.Load()
}
