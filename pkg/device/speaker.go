package device

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core/live"
)

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedContext(rate int, bufferSize time.Duration) (*oto.Context, int, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = fmt.Errorf("init playback context: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate = ctx, rate
	})
	return otoCtx, otoRate, otoErr
}

// SpeakerConfig configures playback.
type SpeakerConfig struct {
	// SampleRate of the shared output context. Only the first speaker opened
	// in a process decides it.
	SampleRate int
	BufferSize time.Duration
	// PollInterval is how often a player is checked for completion.
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

// DefaultSpeakerConfig plays at the live service's output rate with a 100ms
// device buffer.
func DefaultSpeakerConfig() SpeakerConfig {
	return SpeakerConfig{
		SampleRate:   live.OutputSampleRate,
		BufferSize:   100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

// Speaker is a live.Sink backed by oto. Each buffer gets its own player; the
// playback queue guarantees only one plays at a time.
type Speaker struct {
	ctx  *oto.Context
	rate int
	poll time.Duration
	log  zerolog.Logger

	mu     sync.Mutex
	active map[*activePlayer]struct{}
	closed bool
}

var _ live.Sink = (*Speaker)(nil)

type activePlayer struct {
	player   *oto.Player
	stop     chan struct{}
	stopOnce sync.Once
}

func (a *activePlayer) cancel() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// OpenSpeaker acquires the output device.
func OpenSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	def := DefaultSpeakerConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	ctx, rate, err := sharedContext(cfg.SampleRate, cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	return &Speaker{
		ctx:    ctx,
		rate:   rate,
		poll:   cfg.PollInterval,
		log:    *cfg.Logger,
		active: make(map[*activePlayer]struct{}),
	}, nil
}

// Play starts buf, resampled to the device rate, and calls done when the
// player drains or is stopped.
func (s *Speaker) Play(buf live.Buffer, done func()) error {
	if buf.Format.Channels > 1 {
		return fmt.Errorf("play: %d channels not supported", buf.Format.Channels)
	}
	pcm := buf.PCM
	if rate := buf.Format.SampleRate; rate > 0 && rate != s.rate {
		pcm = live.Resample(pcm, rate, s.rate)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("speaker is closed")
	}
	ap := &activePlayer{player: s.ctx.NewPlayer(bytes.NewReader(pcm)), stop: make(chan struct{})}
	s.active[ap] = struct{}{}
	s.mu.Unlock()

	ap.player.Play()
	go s.watch(ap, done)
	return nil
}

func (s *Speaker) watch(ap *activePlayer, done func()) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ap.stop:
			ap.player.Pause()
			s.finish(ap, done)
			return
		case <-ticker.C:
			if !ap.player.IsPlaying() {
				s.finish(ap, done)
				return
			}
		}
	}
}

func (s *Speaker) finish(ap *activePlayer, done func()) {
	s.mu.Lock()
	delete(s.active, ap)
	s.mu.Unlock()
	if err := ap.player.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close player")
	}
	done()
}

// Stop cuts off everything that is playing.
func (s *Speaker) Stop() {
	s.mu.Lock()
	players := make([]*activePlayer, 0, len(s.active))
	for ap := range s.active {
		players = append(players, ap)
	}
	s.mu.Unlock()
	for _, ap := range players {
		ap.cancel()
	}
}

// Close stops playback. The shared context stays alive for the next speaker.
func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()
	return nil
}
