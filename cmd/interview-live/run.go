package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-interview/pkg/config"
	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/core/types"
	"github.com/vango-go/vai-interview/pkg/device"
	"github.com/vango-go/vai-interview/pkg/live/session"
	"github.com/vango-go/vai-interview/pkg/metrics"
	"github.com/vango-go/vai-interview/pkg/recording"
	"github.com/vango-go/vai-interview/pkg/recording/pgstore"
)

// errInterviewOver ends the run without reporting a failure.
var errInterviewOver = errors.New("interview over")

func run(ctx context.Context, flags rootFlags, stdin io.Reader, stdout, stderr io.Writer) error {
	if err := config.LoadDotEnv(flags.envFiles...); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogLevel, flags.jsonLogs)

	ic, err := types.LoadInterview(flags.interviewPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("interview")
	bus := live.NewBus(live.DefaultBusBuffer)
	defer bus.Close()

	ctrl, err := session.New(session.Dependencies{
		Config:     cfg.Session,
		Bus:        bus,
		Microphone: microphoneFactory(logger),
		Sink:       speakerFactory(logger),
		Metrics:    m,
		Logger:     &logger,
	})
	if err != nil {
		return err
	}

	var rec *recording.Recorder
	if cfg.RecordingEnabled() && !flags.noRecord {
		var closeStore func()
		rec, closeStore, err = newRecorder(ctx, cfg, ic, bus, m, logger)
		if err != nil {
			return err
		}
		defer closeStore()
	}

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	logger.Info().
		Str("job_title", ic.JobTitle).
		Int("questions", len(ic.Questions)).
		Bool("recording", rec != nil).
		Msg("starting interview")

	if err := ctrl.Connect(ctx, ic, cfg.APIKey); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := ctrl.EndSession(); err != nil {
			logger.Warn().Err(err).Msg("end session")
		}
		if rec != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.UploadDrain)
			defer cancel()
			if err := rec.Close(drainCtx); err != nil {
				logger.Warn().Err(err).Msg("recordings not fully uploaded")
			}
		}
	}()

	if err := ctrl.StartListening(); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	if rec != nil {
		if err := rec.StartRecording(ctx, ic.CurrentQuestionIndex); err != nil {
			logger.Error().Err(err).Int("question_index", ic.CurrentQuestionIndex).Msg("start recording")
		}
	}

	var qr questionRecorder
	if rec != nil {
		qr = rec
	}
	con := newConsole(ctrl, qr, ic, stdout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchEvents(gctx, events, m, logger) })
	g.Go(func() error { return con.loop(gctx, stdin) })
	if cfg.MetricsAddr != "" {
		srv := m.Server(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, errInterviewOver) || errors.Is(err, context.Canceled) {
		logger.Info().Msg("interview finished")
		return nil
	}
	return err
}

func microphoneFactory(logger zerolog.Logger) session.MicrophoneFactory {
	return func() (session.Microphone, error) {
		cfg := device.DefaultMicrophoneConfig()
		cfg.Logger = &logger
		mic, err := device.OpenMicrophone(cfg)
		if err != nil {
			return nil, err
		}
		return mic, nil
	}
}

func speakerFactory(logger zerolog.Logger) session.SinkFactory {
	return func() (live.Sink, error) {
		cfg := device.DefaultSpeakerConfig()
		cfg.Logger = &logger
		spk, err := device.OpenSpeaker(cfg)
		if err != nil {
			return nil, err
		}
		return spk, nil
	}
}

// newRecorder wires Postgres, S3 and ffmpeg into a Recorder. The returned
// func closes the store once uploads have drained.
func newRecorder(ctx context.Context, cfg config.Config, ic types.InterviewContext, bus *live.Bus, m *metrics.Metrics, logger zerolog.Logger) (*recording.Recorder, func(), error) {
	signer, err := pgstore.NewS3Signer(ctx, cfg.S3Bucket, cfg.S3Region, cfg.PresignExpiry)
	if err != nil {
		return nil, nil, err
	}
	store, err := pgstore.Open(ctx, cfg.DatabaseURL, signer, pgstore.Options{KeyPrefix: cfg.S3Prefix, Logger: &logger})
	if err != nil {
		return nil, nil, err
	}

	uploader, err := recording.NewUploader(recording.UploaderDeps{
		Store:    store,
		Transfer: recording.NewHTTPTransferrer(cfg.UploadTimeout),
		Config: recording.UploadConfig{
			MaxAttempts: cfg.UploadAttempts,
			BaseDelay:   cfg.UploadBaseDelay,
		},
		Bus:     bus,
		Metrics: m,
		Logger:  &logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	rec, err := recording.NewRecorder(recording.RecorderDeps{
		Interview: ic,
		Store:     store,
		Capturer: recording.NewFFmpegCapturer(recording.FFmpegConfig{
			Path:          cfg.FFmpegPath,
			Bitrate:       cfg.RecordingBitrate,
			ChunkInterval: cfg.RecordingChunk,
			Logger:        &logger,
		}),
		Uploader:        uploader,
		TransitionDelay: cfg.TransitionDelay,
		Metrics:         m,
		Logger:          &logger,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = uploader.Close(closeCtx)
		store.Close()
		return nil, nil, err
	}
	return rec, store.Close, nil
}

// watchEvents logs bus traffic and feeds metrics. It returns errInterviewOver
// on a disconnect and the classified error on a terminal failure.
func watchEvents(ctx context.Context, events <-chan live.Event, m *metrics.Metrics, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errInterviewOver
			}
			m.Observe(ev)
			if err := logEvent(logger, ev); err != nil {
				return err
			}
		}
	}
}

func logEvent(logger zerolog.Logger, ev live.Event) error {
	switch e := ev.(type) {
	case *live.ConnectedEvent:
		logger.Info().Str("session_id", e.SessionID).Time("expires_at", e.ExpiresAt).Msg("connected")
	case *live.SessionRenewedEvent:
		logger.Info().Str("previous_session_id", e.PreviousSessionID).Str("session_id", e.SessionID).Msg("session renewed")
	case *live.ReconnectingEvent:
		logger.Warn().Int("attempt", e.Attempt).Dur("delay", e.Delay).Msg("reconnecting")
	case *live.DisconnectedEvent:
		logger.Info().Str("session_id", e.SessionID).Int("close_code", e.Code).Str("reason", e.Reason).Msg("disconnected")
		return errInterviewOver
	case *live.TextEvent:
		logger.Info().Str("text", e.Text).Msg("interviewer")
	case *live.SpeakingChangedEvent:
		logger.Debug().Bool("speaking", e.Speaking).Msg("speaking changed")
	case *live.ListeningChangedEvent:
		logger.Debug().Bool("listening", e.Listening).Msg("listening changed")
	case *live.UsageEvent:
		logger.Debug().Int("prompt_tokens", e.PromptTokens).Int("response_tokens", e.ResponseTokens).Msg("usage")
	case *live.ToolCallEvent:
		logger.Debug().RawJSON("tool_call", e.Raw).Msg("tool call ignored")
	case *live.UploadProgressEvent:
		l := logger.Debug()
		if e.Status == string(recording.StatusCompleted) || e.Status == string(recording.StatusFailed) {
			l = logger.Info()
		}
		l.Str("recording_id", e.RecordingID).
			Int("question_index", e.QuestionIndex).
			Str("status", e.Status).
			Int("percent", e.Percent).
			Int("attempt", e.Attempt).
			Str("error", e.Error).
			Msg("upload")
	case *live.ErrorEvent:
		if e.Err == nil {
			return nil
		}
		l := logger.Warn()
		if e.Terminal {
			l = logger.Error()
		}
		l.Str("error_type", string(e.Err.Type)).Str("recovery", string(e.Err.Recovery)).Msg(e.Err.Message)
		if e.Terminal {
			return e.Err
		}
	case *live.AudioEvent, *live.TurnCompleteEvent, *live.InterruptedEvent:
	}
	return nil
}

type contextUpdater interface {
	UpdateContext(update types.ContextUpdate) error
	State() session.State
}

type questionRecorder interface {
	TransitionToNextQuestion(ctx context.Context, nextIndex int) error
	Progress() []recording.UploadProgress
}

// console reads operator commands from stdin and moves the interview between
// questions.
type console struct {
	ctrl  contextUpdater
	rec   questionRecorder
	out   io.Writer
	log   zerolog.Logger
	index int
	total int
}

func newConsole(ctrl contextUpdater, rec questionRecorder, ic types.InterviewContext, out io.Writer, logger zerolog.Logger) *console {
	return &console{
		ctrl:  ctrl,
		rec:   rec,
		out:   out,
		log:   logger,
		index: ic.CurrentQuestionIndex,
		total: len(ic.Questions),
	}
}

// loop returns nil on EOF so a closed stdin leaves the interview running.
func (c *console) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
		return nil
	case "next", "n":
		return c.move(ctx, c.index+1)
	case "prev", "p":
		return c.move(ctx, c.index-1)
	case "status", "s":
		c.printStatus()
		return nil
	case "quit", "q", "exit":
		return errInterviewOver
	default:
		fmt.Fprintf(c.out, "unknown command %q (next, prev, status, quit)\n", cmd)
		return nil
	}
}

func (c *console) move(ctx context.Context, next int) error {
	if next < 0 || next >= c.total {
		fmt.Fprintf(c.out, "no question %d (have %d)\n", next+1, c.total)
		return nil
	}
	if err := c.ctrl.UpdateContext(types.ContextUpdate{CurrentQuestionIndex: &next}); err != nil {
		var cerr *core.Error
		if errors.As(err, &cerr) && cerr.Type == core.ErrInvalidRequest {
			fmt.Fprintln(c.out, cerr.Message)
			return nil
		}
		c.log.Warn().Err(err).Int("question_index", next).Msg("announce question")
	}
	c.index = next
	fmt.Fprintf(c.out, "question %d of %d\n", next+1, c.total)

	if c.rec != nil {
		if err := c.rec.TransitionToNextQuestion(ctx, next); err != nil {
			c.log.Error().Err(err).Int("question_index", next).Msg("switch recording")
		}
	}
	return nil
}

func (c *console) printStatus() {
	st := c.ctrl.State()
	fmt.Fprintf(c.out, "session %s connected=%v listening=%v speaking=%v reconnects=%d expires=%s\n",
		st.SessionID, st.Connected, st.Listening, st.Speaking, st.Reconnects, st.ExpiresAt.Format(time.TimeOnly))
	fmt.Fprintf(c.out, "question %d of %d\n", c.index+1, c.total)
	if c.rec == nil {
		return
	}
	for _, p := range c.rec.Progress() {
		fmt.Fprintf(c.out, "  q%d %s %s %d%% attempt %d", p.QuestionIndex+1, p.RecordingID, p.Status, p.Percent, p.Attempt)
		if p.LastError != "" {
			fmt.Fprintf(c.out, " (%s)", p.LastError)
		}
		fmt.Fprintln(c.out)
	}
}
