package live

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink plays decoded buffers on an output device.
//
// Play starts playback of buf and must call done exactly once when the buffer
// has finished playing or was stopped. It may call done synchronously.
type Sink interface {
	Play(buf Buffer, done func()) error
	Stop()
	Close() error
}

// PlaybackConfig configures the playback queue.
type PlaybackConfig struct {
	// MinBufferMs is the audio accumulated at the start of a turn before the
	// first buffer is queued. Zero disables pre-buffering.
	MinBufferMs int

	// OnIdle is called when the queue has drained.
	OnIdle func()

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// PlaybackQueue plays buffers strictly in enqueue order, one at a time.
type PlaybackQueue struct {
	sink Sink
	cfg  PlaybackConfig

	mu          sync.Mutex
	queue       []Buffer
	pending     *Buffer
	bufferReady bool
	playing     bool
	generation  uint64
	closed      bool
}

// NewPlaybackQueue creates a queue in front of sink.
func NewPlaybackQueue(sink Sink, cfg PlaybackConfig) *PlaybackQueue {
	if cfg.MinBufferMs < 0 {
		cfg.MinBufferMs = 0
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &PlaybackQueue{sink: sink, cfg: cfg}
}

// Enqueue appends a buffer. Playback starts immediately if the queue is idle
// and the start-of-turn pre-buffer is satisfied.
func (q *PlaybackQueue) Enqueue(buf Buffer) {
	if len(buf.PCM) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.bufferReady || q.cfg.MinBufferMs == 0 {
		q.flushPendingLocked()
		q.queue = append(q.queue, buf)
	} else {
		q.appendPendingLocked(buf)
		if len(q.pending.PCM) >= q.pending.Format.BytesForDurationMs(q.cfg.MinBufferMs) {
			q.flushPendingLocked()
			q.bufferReady = true
		}
	}
	start := !q.playing && len(q.queue) > 0
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	if start {
		q.playNext()
	}
}

// FinishPlayback moves any pre-buffered fragment into the queue and lets the
// queue drain. It does not cut off audio already playing. If there is nothing
// left to play, OnIdle fires immediately.
func (q *PlaybackQueue) FinishPlayback() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.flushPendingLocked()
	q.bufferReady = false
	start := !q.playing && len(q.queue) > 0
	idle := !q.playing && len(q.queue) == 0
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	switch {
	case start:
		q.playNext()
	case idle && q.cfg.OnIdle != nil:
		q.cfg.OnIdle()
	}
}

// Clear drops all queued and pending audio and stops the current buffer.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.queue = nil
	q.pending = nil
	q.bufferReady = false
	wasPlaying := q.playing
	q.playing = false
	q.generation++
	q.mu.Unlock()

	if q.sink != nil {
		q.sink.Stop()
	}
	if wasPlaying && q.cfg.OnIdle != nil {
		q.cfg.OnIdle()
	}
}

// Playing reports whether a buffer is currently being played.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of buffers waiting behind the current one.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close clears the queue and releases the sink.
func (q *PlaybackQueue) Close() error {
	q.Clear()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	if q.sink == nil {
		return nil
	}
	return q.sink.Close()
}

func (q *PlaybackQueue) appendPendingLocked(buf Buffer) {
	if q.pending != nil && q.pending.Format != buf.Format {
		q.flushPendingLocked()
	}
	if q.pending == nil {
		q.pending = &Buffer{PCM: append([]byte(nil), buf.PCM...), Format: buf.Format}
		return
	}
	q.pending.PCM = append(q.pending.PCM, buf.PCM...)
}

func (q *PlaybackQueue) flushPendingLocked() {
	if q.pending == nil {
		return
	}
	q.queue = append(q.queue, *q.pending)
	q.pending = nil
}

// playNext pops the head and hands it to the sink. The done callback of each
// buffer chains into the next one; callbacks from a cleared generation are ignored.
func (q *PlaybackQueue) playNext() {
	q.mu.Lock()
	if q.closed || len(q.queue) == 0 {
		wasPlaying := q.playing
		q.playing = false
		q.mu.Unlock()
		if wasPlaying && q.cfg.OnIdle != nil {
			q.cfg.OnIdle()
		}
		return
	}
	buf := q.queue[0]
	q.queue = q.queue[1:]
	q.playing = true
	gen := q.generation
	q.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			q.mu.Lock()
			stale := gen != q.generation
			q.mu.Unlock()
			if !stale {
				q.playNext()
			}
		})
	}

	if q.sink == nil {
		done()
		return
	}
	if err := q.sink.Play(buf, done); err != nil {
		q.cfg.Logger.Warn().Err(err).Int("bytes", len(buf.PCM)).Msg("playback failed, skipping buffer")
		done()
	}
}
