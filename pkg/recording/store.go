// Package recording records one screen and audio clip per interview question
// and uploads each clip in the background with bounded retries.
//
// The Recorder is the per-question state machine (idle, recording, stopped).
// Finished clips are handed to an Uploader, a background task queue that never
// blocks the recorder and keeps running when the voice session fails.
package recording

import (
	"context"
	"time"
)

// UploadStatus is the server-side upload state of a recording.
type UploadStatus string

const (
	StatusIdle      UploadStatus = "IDLE"
	StatusUploading UploadStatus = "UPLOADING"
	StatusCompleted UploadStatus = "COMPLETED"
	StatusFailed    UploadStatus = "FAILED"
)

// NewRecording describes a recording entry to register before capture starts.
type NewRecording struct {
	InterviewID   string
	QuestionID    string
	QuestionText  string
	QuestionOrder int
	StartedAt     time.Time
}

// UploadTarget is a signed destination for the clip bytes.
type UploadTarget struct {
	UploadURL string
	FilePath  string
}

// StatusUpdate carries the fields to change on a recording. Nil and empty
// fields are left untouched.
type StatusUpdate struct {
	EndedAt          *time.Time
	UploadStatus     UploadStatus
	UploadError      string
	UploadRetryCount *int
}

// Store is the persistence collaborator that owns recording metadata.
type Store interface {
	Create(ctx context.Context, rec NewRecording) (recordingID string, err error)
	InitiateUpload(ctx context.Context, recordingID string, fileSize int64, duration time.Duration, mimeType string) (UploadTarget, error)
	CompleteUpload(ctx context.Context, recordingID, filePath string, fileSize int64, duration time.Duration) error
	UpdateStatus(ctx context.Context, recordingID string, update StatusUpdate) error
}

// Transferrer moves clip bytes to a signed destination. progress, if not nil,
// is called with the bytes sent so far.
type Transferrer interface {
	Transfer(ctx context.Context, url string, data []byte, mimeType string, progress func(sent, total int64)) error
}

// Capturer starts a combined screen and audio capture.
type Capturer interface {
	Start(ctx context.Context) (Capture, error)
}

// Capture is one running capture.
type Capture interface {
	// Stop ends the capture and returns the chunks collected so far, in order.
	Stop() ([][]byte, error)
	MimeType() string
}

// Metrics receives recorder and uploader measurements. See pkg/metrics.
type Metrics interface {
	SetRecording(active bool)
	ObserveUpload(status UploadStatus, attempts int, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SetRecording(bool)                              {}
func (nopMetrics) ObserveUpload(UploadStatus, int, time.Duration) {}
