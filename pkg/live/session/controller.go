// Package session implements the controller that owns the single streaming
// connection of an interview: handshake, message routing, renewal before the
// service's per-connection limit, and reconnection after abnormal closes.
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/core/types"
	"github.com/vango-go/vai-interview/pkg/live/protocol"
)

// Metrics receives controller measurements. See pkg/metrics.
type Metrics interface {
	ObserveConnect(d time.Duration, err error)
	SetConnected(connected bool)
	IncRenewal()
	IncReconnect()
	IncError(kind core.ErrorType)
	AddAudioBytes(direction string, n int)
	AddMicBlocks(passed, dropped int64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveConnect(time.Duration, error) {}
func (nopMetrics) SetConnected(bool)                   {}
func (nopMetrics) IncRenewal()                         {}
func (nopMetrics) IncReconnect()                       {}
func (nopMetrics) IncError(core.ErrorType)             {}
func (nopMetrics) AddAudioBytes(string, int)           {}
func (nopMetrics) AddMicBlocks(int64, int64)           {}

// Dependencies are the collaborators of a Controller. Only Config is required;
// everything else has a working default.
type Dependencies struct {
	Config     live.SessionConfig
	Bus        *live.Bus
	Dial       Dialer
	Microphone MicrophoneFactory
	Sink       SinkFactory
	Metrics    Metrics
	Logger     *zerolog.Logger

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	Sleep     func(ctx context.Context, d time.Duration) error
	NewID     func() string
}

// Controller owns the streaming connection and publishes everything that
// happens on it to its Bus.
type Controller struct {
	cfg       live.SessionConfig
	bus       *live.Bus
	dial      Dialer
	micFn     MicrophoneFactory
	sinkFn    SinkFactory
	metrics   Metrics
	log       zerolog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string

	mu               sync.Mutex
	session          *Session
	ictx             types.InterviewContext
	apiKey           string
	speaking         bool
	reconnectAttempt int
	life             context.Context
	cancelLife       context.CancelFunc

	// renewing and reconnecting hold the lifetime a renewal or reconnect
	// loop runs for. A loop left over from an ended lifetime never blocks
	// the current one.
	renewing     context.Context
	reconnecting context.Context

	// micMu serializes device acquisition and release. It is never held by
	// the capture callback.
	// noticeMu orders question notices so the last one sent matches the
	// context. It is taken before mu.
	noticeMu sync.Mutex

	micMu     sync.Mutex
	mic       Microphone
	gate      *live.Gate
	listening bool
}

// New creates a controller.
func New(deps Dependencies) (*Controller, error) {
	cfg := deps.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}
	if deps.Bus == nil {
		deps.Bus = live.NewBus(live.DefaultBusBuffer)
	}
	if deps.Dial == nil {
		deps.Dial = WebsocketDialer
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
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "sess_" + uuid.NewString() }
	}
	return &Controller{
		cfg:       cfg,
		bus:       deps.Bus,
		dial:      deps.Dial,
		micFn:     deps.Microphone,
		sinkFn:    deps.Sink,
		metrics:   deps.Metrics,
		log:       *deps.Logger,
		now:       deps.Now,
		afterFunc: deps.AfterFunc,
		sleep:     deps.Sleep,
		newID:     deps.NewID,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bus returns the event bus the controller publishes to.
func (c *Controller) Bus() *live.Bus { return c.bus }

// Subscribe is shorthand for Bus().Subscribe().
func (c *Controller) Subscribe() (<-chan live.Event, func()) { return c.bus.Subscribe() }

// Config returns the effective configuration.
func (c *Controller) Config() live.SessionConfig { return c.cfg }

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.micMu.Lock()
	listening := c.listening
	c.micMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Listening:  listening,
		Speaking:   c.speaking,
		Reconnects: c.reconnectAttempt,
		Context:    c.ictx.Clone(),
	}
	if s := c.session; s != nil {
		st.SessionID = s.ID
		st.Connected = true
		st.StartTime = s.StartTime
		st.LastRenewal = s.LastRenewal
		st.ExpiresAt = s.ExpiresAt
	}
	return st
}

// Connect opens a session for ic. An existing session is ended first. It
// returns only after the service acknowledged the setup message.
func (c *Controller) Connect(ctx context.Context, ic types.InterviewContext, apiKey string) error {
	if err := ValidateAPIKey(apiKey); err != nil {
		c.publishError(err, false)
		return err
	}
	if err := ic.Validate(); err != nil {
		return core.NewInvalidRequestError(fmt.Sprintf("invalid interview context: %v", err))
	}

	if err := c.EndSession(); err != nil {
		c.log.Warn().Err(err).Msg("ending previous session")
	}

	life, cancelLife := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ictx = ic.Clone()
	c.apiKey = apiKey
	c.reconnectAttempt = 0
	c.life, c.cancelLife = life, cancelLife
	c.mu.Unlock()

	openCtx, cancelOpen := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancelOpen)
	defer stop()
	defer cancelOpen()

	start := c.now()
	s, err := c.open(openCtx, ic, apiKey)
	c.metrics.ObserveConnect(c.now().Sub(start), err)
	if err != nil {
		cancelLife()
		classified := core.Classify(err)
		c.publishError(classified, false)
		return classified
	}

	if !c.install(s, life, false) {
		_ = s.closeTransport()
		_ = s.playback.Close()
		return core.NewConnectionError("session ended while connecting", nil)
	}

	if c.cfg.Greet {
		if err := s.writeJSON(protocol.NewClientText(protocol.BuildGreeting(ic), true)); err != nil {
			c.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to send greeting")
		}
	}
	return nil
}

// ValidateAPIKey rejects empty and placeholder credentials before any dial.
func ValidateAPIKey(key string) error {
	k := strings.TrimSpace(key)
	if k == "" {
		return core.NewAuthenticationError("api key is not set")
	}
	lower := strings.ToLower(k)
	switch {
	case strings.HasPrefix(lower, "<") && strings.HasSuffix(lower, ">"),
		strings.HasPrefix(lower, "your"),
		strings.Contains(lower, "placeholder"),
		strings.Contains(lower, "api-key-here"),
		strings.Contains(lower, "api_key_here"),
		lower == "changeme", lower == "change-me", lower == "xxx", lower == "todo", lower == "test":
		return core.NewAuthenticationError("api key is a placeholder value")
	}
	return nil
}

// open dials, starts the read loop, sends setup and waits for setupComplete.
// On failure every partially acquired resource is released.
func (c *Controller) open(ctx context.Context, ic types.InterviewContext, apiKey string) (*Session, error) {
	endpoint, err := liveURL(c.cfg.URL, apiKey)
	if err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, resp, err := c.dial(dialCtx, endpoint, nil)
	cancelDial()
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	s := newSession(c.newID(), ic, conn, c.now(), c.cfg.SessionBudget)
	log := c.log.With().Str("session_id", s.ID).Logger()

	var sink live.Sink
	if c.sinkFn != nil {
		sink, err = c.sinkFn()
		if err != nil {
			_ = conn.Close()
			return nil, core.NewAudioDeviceError("open playback device", err)
		}
	}
	s.playback = live.NewPlaybackQueue(sink, live.PlaybackConfig{
		MinBufferMs: c.cfg.PlaybackMinBufferMs,
		OnIdle:      func() { c.onPlaybackIdle(s) },
		Logger:      &log,
	})

	go c.readLoop(s)

	fail := func(err error) (*Session, error) {
		_ = s.closeTransport()
		_ = s.playback.Close()
		return nil, err
	}

	setup := protocol.NewSetup(protocol.SetupParams{
		Model:        c.cfg.Model,
		Modalities:   modalityStrings(c.cfg.ResponseModalities),
		Voice:        c.cfg.Voice,
		SystemPrompt: protocol.BuildSystemPrompt(ic),
	})
	if err := s.writeJSON(setup); err != nil {
		return fail(fmt.Errorf("send setup: %w", err))
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancelSetup()
	select {
	case <-s.setupDone:
	case <-s.readDone:
		if s.readErr != nil {
			return fail(fmt.Errorf("connection closed before setup complete: %w", s.readErr))
		}
		return fail(core.NewConnectionError("connection closed before setup complete", nil))
	case <-setupCtx.Done():
		return fail(fmt.Errorf("wait for setup complete: %w", setupCtx.Err()))
	}

	log.Debug().Time("expires_at", s.ExpiresAt).Msg("setup complete")
	return s, nil
}

// install makes s the current session and schedules its renewal. It reports
// false when the controller was ended while s was connecting or when s lost
// its transport before it could be installed.
func (c *Controller) install(s *Session, life context.Context, reconnected bool) bool {
	c.mu.Lock()
	if life.Err() != nil || c.session != nil || s.readEnded.Load() {
		c.mu.Unlock()
		return false
	}
	c.session = s
	c.speaking = false
	if reconnected && c.reconnecting == life {
		c.reconnecting = nil
	}
	// The context may have moved on while s was handshaking with a copy.
	stale := questionChanged(s.Context, c.ictx)
	if stale {
		s.Context = c.ictx.Clone()
	}
	renewIn := c.cfg.RenewAfter() - c.now().Sub(s.StartTime)
	if renewIn < 0 {
		renewIn = 0
	}
	s.renewTimer = c.afterFunc(renewIn, func() { c.renew(s, "timer") })
	if reconnected {
		s.stableTimer = c.afterFunc(c.cfg.StableAfter, func() { c.markStable(s) })
	}
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	c.log.Info().Str("session_id", s.ID).Dur("renew_in", renewIn).Msg("live session connected")
	c.bus.Publish(&live.ConnectedEvent{SessionID: s.ID, ExpiresAt: s.ExpiresAt})
	if stale {
		c.resyncQuestion(s)
	}
	s.release()
	return true
}

// resyncQuestion tells s about the question it was not set up with.
func (c *Controller) resyncQuestion(s *Session) {
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()
	c.mu.Lock()
	current := s.Context.Clone()
	c.mu.Unlock()

	c.log.Info().Str("session_id", s.ID).Int("question_index", current.CurrentQuestionIndex).Msg("question changed during handshake")
	if err := s.writeJSON(protocol.NewClientText(protocol.BuildQuestionNotice(current), true)); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to resync question")
	}
}

// questionChanged reports whether b asks a different question than a.
func questionChanged(a, b types.InterviewContext) bool {
	if a.CurrentQuestionIndex != b.CurrentQuestionIndex {
		return true
	}
	qa, okA := a.CurrentQuestion()
	qb, okB := b.CurrentQuestion()
	return okA != okB || qa.ID != qb.ID || qa.QuestionText != qb.QuestionText
}

func (c *Controller) markStable(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s && c.reconnectAttempt > 0 {
		c.log.Debug().Str("session_id", s.ID).Int("attempt", c.reconnectAttempt).Msg("session stable, resetting reconnect attempts")
		c.reconnectAttempt = 0
	}
}

// StartListening acquires the microphone and starts forwarding voiced blocks.
// Calling it while already listening is a no-op.
func (c *Controller) StartListening() error {
	c.micMu.Lock()
	defer c.micMu.Unlock()

	if c.current() == nil {
		return core.NewInvalidRequestError("start listening: not connected")
	}
	if c.mic != nil {
		return nil
	}
	if err := c.acquireMicLocked(); err != nil {
		c.publishError(err, false)
		return err
	}
	c.listening = true
	c.bus.Publish(&live.ListeningChangedEvent{Listening: true})
	return nil
}

// StopListening releases the microphone. It is always safe to call.
func (c *Controller) StopListening() error {
	c.micMu.Lock()
	defer c.micMu.Unlock()

	wasListening := c.listening
	c.listening = false
	err := c.releaseMicLocked()
	if wasListening {
		c.bus.Publish(&live.ListeningChangedEvent{Listening: false})
	}
	return err
}

func (c *Controller) acquireMicLocked() error {
	if c.micFn == nil {
		return core.NewUnsupportedError("no microphone available")
	}
	mic, err := c.micFn()
	if err != nil {
		return core.NewAudioDeviceError("open microphone", err)
	}
	gate := live.NewGate(c.cfg.VoiceThreshold, c.SendAudioChunk)
	onBlock := func(samples []float32) {
		if _, err := gate.Process(samples); err != nil {
			c.log.Debug().Err(err).Msg("dropping microphone block")
		}
	}
	if err := mic.Start(onBlock); err != nil {
		_ = mic.Close()
		return core.NewAudioDeviceError("start microphone", err)
	}
	c.mic = mic
	c.gate = gate
	c.log.Debug().Float64("voice_threshold", gate.Threshold()).Msg("microphone open")
	return nil
}

func (c *Controller) releaseMicLocked() error {
	if c.mic == nil {
		return nil
	}
	mic := c.mic
	c.mic = nil
	err := mic.Close()
	if gate := c.gate; gate != nil {
		c.gate = nil
		passed, dropped := gate.Stats()
		c.metrics.AddMicBlocks(passed, dropped)
		c.log.Debug().Int64("passed", passed).Int64("dropped", dropped).Msg("microphone closed")
	}
	if err != nil {
		return core.NewAudioDeviceError("close microphone", err)
	}
	return nil
}

// restoreListening re-acquires the microphone after a renewal or reconnection
// if the caller had been listening.
func (c *Controller) restoreListening() {
	c.micMu.Lock()
	defer c.micMu.Unlock()
	if !c.listening || c.mic != nil || c.current() == nil {
		return
	}
	if err := c.acquireMicLocked(); err != nil {
		c.listening = false
		c.publishError(err, false)
		c.bus.Publish(&live.ListeningChangedEvent{Listening: false})
	}
}

// SendAudioChunk ships one PCM16 frame as realtime input. It does not wait
// for any acknowledgment.
func (c *Controller) SendAudioChunk(pcm []byte) error {
	s := c.current()
	if s == nil {
		return core.NewInvalidRequestError("send audio: not connected")
	}
	if err := s.writeJSON(protocol.NewRealtimeInput(live.EncodeBase64(pcm))); err != nil {
		return core.NewConnectionError("send audio", err)
	}
	c.metrics.AddAudioBytes("out", len(pcm))
	return nil
}

// UpdateContext merges update into the interview context. When the question
// index changes the service is told about the new question.
func (c *Controller) UpdateContext(update types.ContextUpdate) error {
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()

	c.mu.Lock()
	next, changed, err := update.Apply(c.ictx)
	if err != nil {
		c.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("update context: %v", err))
	}
	c.ictx = next
	s := c.session
	if s != nil {
		s.Context = next.Clone()
	}
	c.mu.Unlock()

	if !changed || s == nil {
		return nil
	}
	c.log.Info().Str("session_id", s.ID).Int("question_index", next.CurrentQuestionIndex).Msg("question changed")
	if err := s.writeJSON(protocol.NewClientText(protocol.BuildQuestionNotice(next), true)); err != nil {
		return core.NewConnectionError("send context update", err)
	}
	return nil
}

// EndSession tears the session down: stop listening, clear playback, close
// the transport with a normal closure, release the playback device and cancel
// the renewal timer. Pending connects and reconnects are cancelled. It is
// idempotent.
func (c *Controller) EndSession() error {
	c.mu.Lock()
	if c.cancelLife != nil {
		c.cancelLife()
		c.cancelLife = nil
	}
	s := c.session
	c.session = nil
	c.reconnectAttempt = 0
	c.speaking = false
	c.mu.Unlock()

	stopErr := c.StopListening()
	if s == nil {
		return stopErr
	}

	c.teardown(s)
	c.metrics.SetConnected(false)
	c.log.Info().Str("session_id", s.ID).Msg("live session ended")
	c.bus.Publish(&live.DisconnectedEvent{SessionID: s.ID, Code: 1000, Reason: "session ended"})
	return stopErr
}

// teardown releases everything owned by s in order.
func (c *Controller) teardown(s *Session) {
	s.playback.Clear()
	if err := s.closeTransport(); err != nil {
		c.log.Debug().Err(err).Str("session_id", s.ID).Msg("close transport")
	}
	if err := s.playback.Close(); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID).Msg("release playback device")
	}
	s.stopTimers()
}

func (c *Controller) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) setSpeaking(s *Session, speaking bool) {
	c.mu.Lock()
	if c.session != s || c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = speaking
	c.mu.Unlock()
	c.bus.Publish(&live.SpeakingChangedEvent{Speaking: speaking})
}

func (c *Controller) onPlaybackIdle(s *Session) {
	c.setSpeaking(s, false)
}

func (c *Controller) publishError(err error, terminal bool) {
	classified := core.Classify(err)
	if classified == nil {
		return
	}
	c.metrics.IncError(classified.Type)
	ev := c.log.Warn()
	if terminal {
		ev = c.log.Error()
	}
	ev.Str("error_type", string(classified.Type)).Bool("terminal", terminal).Msg(classified.Message)
	c.bus.Publish(&live.ErrorEvent{Err: classified, Terminal: terminal})
}

func liveURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse live url: %w", err)
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func modalityStrings(ms []live.Modality) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m))
	}
	return out
}
