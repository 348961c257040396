package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core/types"
)

// DefaultTransitionDelay separates closing one capture from opening the next
// on the same hardware.
const DefaultTransitionDelay = 500 * time.Millisecond

var (
	ErrAlreadyRecording = errors.New("a recording is already active")
	ErrNotRecording     = errors.New("no active recording")
)

// State is the recorder's phase.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// RecordingState describes the active or most recent recording.
type RecordingState struct {
	QuestionIndex int
	RecordingID   string
	StartedAt     time.Time
	EndedAt       time.Time
	Chunks        [][]byte
	MimeType      string
}

// Duration is the wall-clock length of a stopped recording.
func (s RecordingState) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Size is the total bytes captured.
func (s RecordingState) Size() int {
	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	return n
}

// RecorderDeps are the collaborators of a Recorder.
type RecorderDeps struct {
	Interview       types.InterviewContext
	Store           Store
	Capturer        Capturer
	Uploader        *Uploader
	TransitionDelay time.Duration
	Metrics         Metrics
	Logger          *zerolog.Logger
	Now             func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) error
}

// Recorder runs one recording at a time. StopRecording hands the clip and its
// end time to the Uploader and returns without waiting on the network.
type Recorder struct {
	store    Store
	capturer Capturer
	uploader *Uploader
	delay    time.Duration
	metrics  Metrics
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// op serializes StartRecording and StopRecording, which talk to the store
	// and the capture device. mu guards the fields below and is never held
	// across I/O.
	op sync.Mutex

	mu        sync.Mutex
	interview types.InterviewContext
	state     State
	active    *RecordingState
	capture   Capture
	last      *RecordingState
}

// NewRecorder creates an idle recorder for an interview.
func NewRecorder(deps RecorderDeps) (*Recorder, error) {
	if deps.Store == nil {
		return nil, errors.New("recorder: store is required")
	}
	if deps.Capturer == nil {
		return nil, errors.New("recorder: capturer is required")
	}
	if deps.Uploader == nil {
		return nil, errors.New("recorder: uploader is required")
	}
	if err := deps.Interview.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if deps.TransitionDelay < 0 {
		deps.TransitionDelay = 0
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	return &Recorder{
		store:     deps.Store,
		capturer:  deps.Capturer,
		uploader:  deps.Uploader,
		delay:     deps.TransitionDelay,
		metrics:   deps.Metrics,
		log:       *deps.Logger,
		now:       deps.Now,
		sleep:     deps.Sleep,
		interview: deps.Interview.Clone(),
		state:     StateIdle,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetInterview replaces the interview the recorder registers questions for.
func (r *Recorder) SetInterview(ic types.InterviewContext) error {
	if err := ic.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interview = ic.Clone()
	return nil
}

// State returns the current phase and a copy of the active or last recording.
func (r *Recorder) State() (State, *RecordingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.active
	if rec == nil {
		rec = r.last
	}
	if rec == nil {
		return r.state, nil
	}
	cp := *rec
	cp.Chunks = nil
	return r.state, &cp
}

// StartRecording registers a recording for the question server-side and then
// starts capture. The recording id exists before any byte is captured.
func (r *Recorder) StartRecording(ctx context.Context, questionIndex int) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	busy := r.active != nil
	ic := r.interview
	r.mu.Unlock()

	if busy {
		return ErrAlreadyRecording
	}
	if questionIndex < 0 || questionIndex >= len(ic.Questions) {
		return fmt.Errorf("question index %d out of range [0, %d)", questionIndex, len(ic.Questions))
	}
	q := ic.Questions[questionIndex]
	startedAt := r.now()

	id, err := r.store.Create(ctx, NewRecording{
		InterviewID:   ic.InterviewID,
		QuestionID:    q.ID,
		QuestionText:  q.QuestionText,
		QuestionOrder: questionIndex,
		StartedAt:     startedAt,
	})
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	log := r.log.With().Str("recording_id", id).Int("question_index", questionIndex).Logger()

	capture, err := r.capturer.Start(ctx)
	if err != nil {
		retries := 0
		if uerr := r.store.UpdateStatus(ctx, id, StatusUpdate{UploadStatus: StatusFailed, UploadError: err.Error(), UploadRetryCount: &retries}); uerr != nil {
			log.Warn().Err(uerr).Msg("mark recording failed")
		}
		return fmt.Errorf("start capture: %w", err)
	}

	r.mu.Lock()
	r.active = &RecordingState{
		QuestionIndex: questionIndex,
		RecordingID:   id,
		StartedAt:     startedAt,
		MimeType:      capture.MimeType(),
	}
	r.capture = capture
	r.state = StateRecording
	r.mu.Unlock()
	r.metrics.SetRecording(true)
	log.Info().Msg("recording started")
	return nil
}

// StopRecording ends capture and queues the clip for upload. The end time is
// written by the upload worker, so it never waits on the network.
func (r *Recorder) StopRecording(ctx context.Context) (RecordingState, error) {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	rec, capture := r.active, r.capture
	r.mu.Unlock()
	if rec == nil {
		return RecordingState{}, ErrNotRecording
	}

	chunks, capErr := capture.Stop()
	endedAt := r.now()

	r.mu.Lock()
	rec.EndedAt = endedAt
	rec.Chunks = chunks
	r.active = nil
	r.capture = nil
	r.last = rec
	r.state = StateStopped
	out := *rec
	r.mu.Unlock()
	r.metrics.SetRecording(false)

	log := r.log.With().Str("recording_id", out.RecordingID).Int("question_index", out.QuestionIndex).Logger()
	if capErr != nil {
		log.Warn().Err(capErr).Msg("capture ended with error")
	}

	job := Job{
		RecordingID:   out.RecordingID,
		QuestionIndex: out.QuestionIndex,
		Data:          bytes.Join(chunks, nil),
		MimeType:      out.MimeType,
		Duration:      out.Duration(),
		EndedAt:       endedAt,
	}
	if err := r.uploader.Enqueue(job); err != nil {
		log.Error().Err(err).Msg("queue upload")
		retries := 0
		if uerr := r.store.UpdateStatus(ctx, out.RecordingID, StatusUpdate{EndedAt: &endedAt, UploadStatus: StatusFailed, UploadError: err.Error(), UploadRetryCount: &retries}); uerr != nil {
			log.Warn().Err(uerr).Msg("mark recording failed")
		}
	}
	log.Info().Dur("duration", job.Duration).Int("bytes", len(job.Data)).Msg("recording stopped")
	return out, capErr
}

// TransitionToNextQuestion stops the current recording, waits the transition
// delay and starts recording nextIndex. A stop without an active recording is
// not an error.
func (r *Recorder) TransitionToNextQuestion(ctx context.Context, nextIndex int) error {
	if _, err := r.StopRecording(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		r.log.Warn().Err(err).Msg("stop recording during transition")
	}
	if err := r.sleep(ctx, r.delay); err != nil {
		return err
	}
	return r.StartRecording(ctx, nextIndex)
}

// Progress returns the upload read models.
func (r *Recorder) Progress() []UploadProgress {
	return r.uploader.Progress()
}

// Close stops any active recording and drains pending uploads until ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	if _, err := r.StopRecording(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		r.log.Warn().Err(err).Msg("stop recording on close")
	}
	return r.uploader.Close(ctx)
}
