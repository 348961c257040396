package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-interview/pkg/core/live"
)

// ErrQueueFull is returned by Enqueue when the upload backlog is full.
var ErrQueueFull = errors.New("upload queue is full")

// ErrUploaderClosed is returned by Enqueue after Close.
var ErrUploaderClosed = errors.New("uploader is closed")

// UploadConfig configures retries. Delays follow BaseDelay * 2^(attempt-1).
type UploadConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	QueueSize   int
}

// DefaultUploadConfig makes 3 attempts, 1s then 2s apart.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{MaxAttempts: 3, BaseDelay: time.Second, QueueSize: 32}
}

// Job is one finished clip waiting for upload.
type Job struct {
	RecordingID   string
	QuestionIndex int
	Data          []byte
	MimeType      string
	Duration      time.Duration
	// EndedAt is written with the UPLOADING status. Zero leaves it unset.
	EndedAt time.Time
}

// UploadProgress is the read model of one upload.
type UploadProgress struct {
	RecordingID   string
	QuestionIndex int
	Status        UploadStatus
	Percent       int
	Attempt       int
	LastError     string
}

// UploaderDeps are the collaborators of an Uploader.
type UploaderDeps struct {
	Store    Store
	Transfer Transferrer
	Config   UploadConfig
	Bus      *live.Bus
	Metrics  Metrics
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Uploader ships clips from a queue on one worker goroutine. Uploads are not
// tied to any caller context; only Close can cut them short.
type Uploader struct {
	store    Store
	transfer Transferrer
	cfg      UploadConfig
	bus      *live.Bus
	metrics  Metrics
	log      zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	progress map[string]*UploadProgress
}

// NewUploader starts the upload worker.
func NewUploader(deps UploaderDeps) (*Uploader, error) {
	if deps.Store == nil {
		return nil, errors.New("uploader: store is required")
	}
	if deps.Transfer == nil {
		return nil, errors.New("uploader: transferrer is required")
	}
	def := DefaultUploadConfig()
	cfg := deps.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
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

	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		store:    deps.Store,
		transfer: deps.Transfer,
		cfg:      cfg,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      *deps.Logger,
		now:      deps.Now,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan Job, cfg.QueueSize),
		done:     make(chan struct{}),
		progress: make(map[string]*UploadProgress),
	}
	go u.run()
	return u, nil
}

// Enqueue schedules job without waiting for it to start.
func (u *Uploader) Enqueue(job Job) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUploaderClosed
	}
	select {
	case u.jobs <- job:
	default:
		return ErrQueueFull
	}
	u.progress[job.RecordingID] = &UploadProgress{
		RecordingID:   job.RecordingID,
		QuestionIndex: job.QuestionIndex,
		Status:        StatusIdle,
	}
	return nil
}

// Progress returns a snapshot of all known uploads ordered by question.
func (u *Uploader) Progress() []UploadProgress {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UploadProgress, 0, len(u.progress))
	for _, p := range u.progress {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionIndex != out[j].QuestionIndex {
			return out[i].QuestionIndex < out[j].QuestionIndex
		}
		return out[i].RecordingID < out[j].RecordingID
	})
	return out
}

// Close stops accepting jobs and waits for the queue to drain. If ctx ends
// first, in-flight uploads are cancelled and ctx's error is returned.
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.mu.Unlock()

	select {
	case <-u.done:
		u.cancel()
		return nil
	case <-ctx.Done():
		u.cancel()
		<-u.done
		return ctx.Err()
	}
}

func (u *Uploader) run() {
	defer close(u.done)
	for job := range u.jobs {
		u.upload(job)
	}
}

func (u *Uploader) upload(job Job) {
	log := u.log.With().Str("recording_id", job.RecordingID).Int("question_index", job.QuestionIndex).Logger()
	start := u.now()
	size := int64(len(job.Data))

	u.setProgress(job.RecordingID, func(p *UploadProgress) { p.Status = StatusUploading })
	update := StatusUpdate{UploadStatus: StatusUploading}
	if !job.EndedAt.IsZero() {
		endedAt := job.EndedAt
		update.EndedAt = &endedAt
	}
	if err := u.store.UpdateStatus(u.ctx, job.RecordingID, update); err != nil {
		log.Warn().Err(err).Msg("mark recording uploading")
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(u.cfg.MaxAttempts-1), retry.NewExponential(u.cfg.BaseDelay))
	err := retry.Do(u.ctx, backoff, func(ctx context.Context) error {
		attempt++
		u.setProgress(job.RecordingID, func(p *UploadProgress) {
			p.Attempt = attempt
			p.Percent = 0
		})
		if err := u.uploadOnce(ctx, job, size); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", u.cfg.MaxAttempts).Msg("upload attempt failed")
			u.setProgress(job.RecordingID, func(p *UploadProgress) { p.LastError = err.Error() })
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		// The failure is recorded even when shutdown cut the upload short.
		retries := attempt
		statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if uerr := u.store.UpdateStatus(statusCtx, job.RecordingID, StatusUpdate{
			UploadStatus:     StatusFailed,
			UploadError:      err.Error(),
			UploadRetryCount: &retries,
		}); uerr != nil {
			log.Warn().Err(uerr).Msg("mark recording failed")
		}
		cancel()
		u.setProgress(job.RecordingID, func(p *UploadProgress) {
			p.Status = StatusFailed
			p.LastError = err.Error()
		})
		u.metrics.ObserveUpload(StatusFailed, attempt, u.now().Sub(start))
		log.Error().Err(err).Int("attempts", attempt).Msg("upload failed")
		return
	}

	u.setProgress(job.RecordingID, func(p *UploadProgress) {
		p.Status = StatusCompleted
		p.Percent = 100
		p.LastError = ""
	})
	u.metrics.ObserveUpload(StatusCompleted, attempt, u.now().Sub(start))
	log.Info().Int("attempts", attempt).Int64("bytes", size).Msg("upload completed")
}

// uploadOnce is one initiate, transfer, complete round. Any step failing fails
// the attempt.
func (u *Uploader) uploadOnce(ctx context.Context, job Job, size int64) error {
	target, err := u.store.InitiateUpload(ctx, job.RecordingID, size, job.Duration, job.MimeType)
	if err != nil {
		return fmt.Errorf("initiate upload: %w", err)
	}
	lastPercent := -1
	progress := func(sent, total int64) {
		if total <= 0 {
			return
		}
		percent := int(sent * 100 / total)
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		u.setProgress(job.RecordingID, func(p *UploadProgress) { p.Percent = percent })
	}
	if err := u.transfer.Transfer(ctx, target.UploadURL, job.Data, job.MimeType, progress); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := u.store.CompleteUpload(ctx, job.RecordingID, target.FilePath, size, job.Duration); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return nil
}

func (u *Uploader) setProgress(recordingID string, mutate func(p *UploadProgress)) {
	u.mu.Lock()
	p, ok := u.progress[recordingID]
	if !ok {
		u.mu.Unlock()
		return
	}
	mutate(p)
	snapshot := *p
	u.mu.Unlock()

	if u.bus != nil {
		u.bus.Publish(&live.UploadProgressEvent{
			QuestionIndex: snapshot.QuestionIndex,
			RecordingID:   snapshot.RecordingID,
			Status:        string(snapshot.Status),
			Percent:       snapshot.Percent,
			Attempt:       snapshot.Attempt,
			Error:         snapshot.LastError,
		})
	}
}
