// Package pgstore keeps recording metadata in Postgres and hands out presigned
// S3 destinations for the clip bytes.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/recording"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned for unknown recording ids.
var ErrNotFound = errors.New("recording not found")

// URLSigner produces a short-lived PUT URL for an object key.
type URLSigner interface {
	SignPut(ctx context.Context, key, contentType string) (string, error)
}

// Options configures a Store.
type Options struct {
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	Logger    *zerolog.Logger
}

// Store implements recording.Store.
type Store struct {
	pool   *pgxpool.Pool
	signer URLSigner
	prefix string
	log    zerolog.Logger
}

var _ recording.Store = (*Store)(nil)

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string, signer URLSigner, opts Options) (*Store, error) {
	if signer == nil {
		return nil, errors.New("pgstore: url signer is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Store{pool: pool, signer: signer, prefix: strings.Trim(opts.KeyPrefix, "/"), log: *opts.Logger}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create registers a recording and returns its id.
func (s *Store) Create(ctx context.Context, rec recording.NewRecording) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interview_recordings
			(id, interview_id, question_id, question_text, question_order, started_at, upload_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, rec.InterviewID, rec.QuestionID, rec.QuestionText, rec.QuestionOrder, rec.StartedAt, string(recording.StatusIdle),
	)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}
	s.log.Debug().Str("recording_id", id).Int("question_index", rec.QuestionOrder).Msg("recording registered")
	return id, nil
}

// InitiateUpload records the clip size and returns a presigned destination.
func (s *Store) InitiateUpload(ctx context.Context, recordingID string, fileSize int64, duration time.Duration, mimeType string) (recording.UploadTarget, error) {
	var interviewID string
	err := s.pool.QueryRow(ctx, `SELECT interview_id FROM interview_recordings WHERE id = $1`, recordingID).Scan(&interviewID)
	if errors.Is(err, pgx.ErrNoRows) {
		return recording.UploadTarget{}, fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	if err != nil {
		return recording.UploadTarget{}, fmt.Errorf("load recording: %w", err)
	}

	key := ObjectKey(s.prefix, interviewID, recordingID, mimeType)
	url, err := s.signer.SignPut(ctx, key, mimeType)
	if err != nil {
		return recording.UploadTarget{}, fmt.Errorf("sign upload url: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE interview_recordings
		SET file_path = $2, file_size = $3, duration_ms = $4, mime_type = $5, upload_status = $6, updated_at = now()
		WHERE id = $1`,
		recordingID, key, fileSize, duration.Milliseconds(), mimeType, string(recording.StatusUploading),
	)
	if err != nil {
		return recording.UploadTarget{}, fmt.Errorf("record upload start: %w", err)
	}
	return recording.UploadTarget{UploadURL: url, FilePath: key}, nil
}

// CompleteUpload marks the clip as stored at filePath.
func (s *Store) CompleteUpload(ctx context.Context, recordingID, filePath string, fileSize int64, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interview_recordings
		SET file_path = $2, file_size = $3, duration_ms = $4, upload_status = $5,
		    upload_error = NULL, uploaded_at = now(), updated_at = now()
		WHERE id = $1`,
		recordingID, filePath, fileSize, duration.Milliseconds(), string(recording.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	return nil
}

// UpdateStatus applies the non-empty fields of update.
func (s *Store) UpdateStatus(ctx context.Context, recordingID string, update recording.StatusUpdate) error {
	var retries *int32
	if update.UploadRetryCount != nil {
		n := int32(*update.UploadRetryCount)
		retries = &n
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE interview_recordings
		SET ended_at = COALESCE($2, ended_at),
		    upload_status = COALESCE(NULLIF($3, ''), upload_status),
		    upload_error = COALESCE(NULLIF($4, ''), upload_error),
		    upload_retry_count = COALESCE($5, upload_retry_count),
		    updated_at = now()
		WHERE id = $1`,
		recordingID, update.EndedAt, string(update.UploadStatus), update.UploadError, retries,
	)
	if err != nil {
		return fmt.Errorf("update recording status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	return nil
}

// Row is a stored recording.
type Row struct {
	ID               string
	InterviewID      string
	QuestionOrder    int
	UploadStatus     recording.UploadStatus
	UploadError      string
	UploadRetryCount int
	FilePath         string
	EndedAt          *time.Time
}

// Get loads one recording.
func (s *Store) Get(ctx context.Context, recordingID string) (Row, error) {
	var r Row
	var status string
	var uploadErr, filePath *string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, interview_id, question_order, upload_status, upload_error, upload_retry_count, file_path, ended_at
		FROM interview_recordings WHERE id = $1`, recordingID,
	).Scan(&r.ID, &r.InterviewID, &r.QuestionOrder, &status, &uploadErr, &r.UploadRetryCount, &filePath, &r.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	if err != nil {
		return Row{}, fmt.Errorf("load recording: %w", err)
	}
	r.UploadStatus = recording.UploadStatus(status)
	if uploadErr != nil {
		r.UploadError = *uploadErr
	}
	if filePath != nil {
		r.FilePath = *filePath
	}
	return r, nil
}

// ObjectKey is the storage path of a clip.
func ObjectKey(prefix, interviewID, recordingID, mimeType string) string {
	name := recordingID + extension(mimeType)
	if prefix == "" {
		return path.Join(interviewID, name)
	}
	return path.Join(prefix, interviewID, name)
}

func extension(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(base) {
	case "video/webm", "audio/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	case "video/x-matroska":
		return ".mkv"
	default:
		return ".bin"
	}
}
