// Package device binds the live pipelines to real audio hardware: malgo for
// capture and oto for playback.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core/live"
)

// DefaultBlockSize is the number of mono samples delivered per callback.
const DefaultBlockSize = 4096

// MicrophoneConfig configures capture.
type MicrophoneConfig struct {
	SampleRate uint32
	Channels   uint32
	// BlockSize is the number of mono samples handed to the block callback.
	BlockSize int
	// PeriodMs is the device period; smaller is lower latency.
	PeriodMs uint32
	Logger   *zerolog.Logger
}

// DefaultMicrophoneConfig captures mono float32 at the input rate of the live
// service.
func DefaultMicrophoneConfig() MicrophoneConfig {
	format := live.InputAudioConfig()
	return MicrophoneConfig{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		BlockSize:  DefaultBlockSize,
		PeriodMs:   20,
	}
}

// Microphone is an acquired malgo capture device. Close releases the device
// and its context; it is safe to call more than once.
type Microphone struct {
	cfg    MicrophoneConfig
	log    zerolog.Logger
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	blocker *blocker
	closed  bool
}

// OpenMicrophone initializes the default capture device without starting it.
func OpenMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	def := DefaultMicrophoneConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.PeriodMs == 0 {
		cfg.PeriodMs = def.PeriodMs
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init capture context: %w", err)
	}
	m := &Microphone{cfg: cfg, log: *cfg.Logger, ctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = cfg.Channels
	deviceConfig.SampleRate = cfg.SampleRate
	deviceConfig.PeriodSizeInMilliseconds = cfg.PeriodMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onData(input)
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	m.device = dev
	return m, nil
}

// Start begins delivering blocks of BlockSize mono samples to onBlock. The
// callback runs on the device thread and must not block.
func (m *Microphone) Start(onBlock func(samples []float32)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("microphone is closed")
	}
	m.blocker = newBlocker(m.cfg.BlockSize, int(m.cfg.Channels), onBlock)
	m.mu.Unlock()

	if err := m.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	m.log.Debug().Uint32("sample_rate", m.cfg.SampleRate).Int("block_size", m.cfg.BlockSize).Msg("microphone started")
	return nil
}

func (m *Microphone) onData(input []byte) {
	m.mu.Lock()
	b := m.blocker
	closed := m.closed
	m.mu.Unlock()
	if closed || b == nil {
		return
	}
	b.write(input)
}

// Close stops capture and releases the device.
func (m *Microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.blocker = nil
	m.mu.Unlock()

	var err error
	if m.device != nil {
		if serr := m.device.Stop(); serr != nil {
			err = fmt.Errorf("stop capture device: %w", serr)
		}
		m.device.Uninit()
	}
	if uerr := m.ctx.Uninit(); uerr != nil && err == nil {
		err = fmt.Errorf("release capture context: %w", uerr)
	}
	m.ctx.Free()
	m.log.Debug().Msg("microphone released")
	return err
}

// blocker turns interleaved little-endian float32 frames into fixed-size
// mono blocks.
type blocker struct {
	size     int
	channels int
	emit     func([]float32)
	buf      []float32
}

func newBlocker(size, channels int, emit func([]float32)) *blocker {
	if channels < 1 {
		channels = 1
	}
	return &blocker{size: size, channels: channels, emit: emit, buf: make([]float32, 0, size)}
}

func (b *blocker) write(frames []byte) {
	frameBytes := 4 * b.channels
	for off := 0; off+frameBytes <= len(frames); off += frameBytes {
		var sum float32
		for ch := 0; ch < b.channels; ch++ {
			bits := binary.LittleEndian.Uint32(frames[off+4*ch:])
			sum += math.Float32frombits(bits)
		}
		b.buf = append(b.buf, sum/float32(b.channels))
		if len(b.buf) == b.size {
			block := b.buf
			b.buf = make([]float32, 0, b.size)
			b.emit(block)
		}
	}
}
