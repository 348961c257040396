package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/core/types"
)

// Conn is the subset of *websocket.Conn the controller uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a transport connection.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)

// WebsocketDialer dials with gorilla's default dialer.
func WebsocketDialer(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Microphone is an acquired capture device delivering float32 mono blocks at
// live.InputSampleRate.
type Microphone interface {
	Start(onBlock func(samples []float32)) error
	Close() error
}

// MicrophoneFactory acquires the capture device.
type MicrophoneFactory func() (Microphone, error)

// SinkFactory acquires the playback device for one session.
type SinkFactory func() (live.Sink, error)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

var errSessionClosed = errors.New("session is closed")

// Session is one connected streaming session. At most one is installed on a
// Controller at a time; renewal and reconnection replace it.
type Session struct {
	ID          string
	Context     types.InterviewContext
	StartTime   time.Time
	LastRenewal time.Time
	ExpiresAt   time.Time

	conn     Conn
	playback *live.PlaybackQueue

	setupOnce sync.Once
	setupDone chan struct{}
	readDone  chan struct{}
	readEnded atomic.Bool
	readErr   error

	// installed gates dispatch of frames that follow setupComplete until the
	// session is current or discarded.
	installOnce sync.Once
	installed   chan struct{}

	writeMu sync.Mutex
	closing atomic.Bool

	renewTimer  Timer
	stableTimer Timer
}

func newSession(id string, ic types.InterviewContext, conn Conn, start time.Time, budget time.Duration) *Session {
	return &Session{
		ID:        id,
		Context:   ic,
		StartTime: start,
		ExpiresAt: start.Add(budget),
		conn:      conn,
		setupDone: make(chan struct{}),
		installed: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

func (s *Session) markSetupComplete() {
	s.setupOnce.Do(func() { close(s.setupDone) })
}

func (s *Session) setupSeen() bool {
	select {
	case <-s.setupDone:
		return true
	default:
		return false
	}
}

// release opens the dispatch gate. Frames read while closing are dropped.
func (s *Session) release() {
	s.installOnce.Do(func() { close(s.installed) })
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.closing.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeTransport sends a normal closure and waits for the read loop to exit.
func (s *Session) closeTransport() error {
	s.closing.Store(true)
	s.release()
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	s.writeMu.Unlock()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	<-s.readDone
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

func (s *Session) stopTimers() {
	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	if s.stableTimer != nil {
		s.stableTimer.Stop()
	}
}

// State is a snapshot of the controller.
type State struct {
	SessionID   string
	Connected   bool
	Listening   bool
	Speaking    bool
	Reconnects  int
	StartTime   time.Time
	LastRenewal time.Time
	ExpiresAt   time.Time
	Context     types.InterviewContext
}
