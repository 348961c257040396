package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/core/types"
)

const testAPIKey = "AIzaTestKey0123456789"

// serverConn is the server side of one test connection.
type serverConn struct {
	t     *testing.T
	conn  *websocket.Conn
	index int
	srv   *liveServer
}

// readSetup reads the first client frame and decodes it.
func (sc *serverConn) readSetup() map[string]any {
	sc.t.Helper()
	_, data, err := sc.conn.ReadMessage()
	if err != nil {
		sc.t.Errorf("read setup: %v", err)
		return nil
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		sc.t.Errorf("decode setup: %v", err)
		return nil
	}
	if _, ok := msg["setup"]; !ok {
		sc.t.Errorf("first frame is not setup: %s", data)
	}
	sc.srv.recordSetup(msg)
	return msg
}

func (sc *serverConn) ackSetup() {
	sc.sendText(`{"setupComplete":{}}`)
}

func (sc *serverConn) sendText(s string) {
	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (sc *serverConn) sendBinary(b []byte) {
	_ = sc.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (sc *serverConn) closeNormal(reason string) {
	_ = sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
}

// closeWith sends a close frame with code and reason.
func (sc *serverConn) closeWith(code int, reason string) {
	_ = sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// dropAbruptly closes the TCP connection without a close frame.
func (sc *serverConn) dropAbruptly() {
	_ = sc.conn.UnderlyingConn().Close()
}

// drain records client frames until the connection ends.
func (sc *serverConn) drain() {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				sc.srv.normalCloses.Add(1)
			}
			return
		}
		sc.srv.recordMessage(data)
	}
}

type liveServer struct {
	t   *testing.T
	srv *httptest.Server

	handler func(sc *serverConn)

	conns        atomic.Int32
	normalCloses atomic.Int32

	mu       sync.Mutex
	setups   []map[string]any
	messages chan []byte
}

func newLiveServer(t *testing.T, handler func(sc *serverConn)) *liveServer {
	t.Helper()
	ls := &liveServer{t: t, handler: handler, messages: make(chan []byte, 256)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != testAPIKey {
			http.Error(w, "API key not valid", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		index := int(ls.conns.Add(1))
		ls.handler(&serverConn{t: t, conn: conn, index: index, srv: ls})
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *liveServer) url() string {
	return "ws" + strings.TrimPrefix(ls.srv.URL, "http")
}

func (ls *liveServer) recordSetup(msg map[string]any) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.setups = append(ls.setups, msg)
}

func (ls *liveServer) recordMessage(data []byte) {
	select {
	case ls.messages <- append([]byte(nil), data...):
	default:
	}
}

// waitForSetups waits until n setup messages have been received.
func (ls *liveServer) waitForSetups(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ls.mu.Lock()
		got := append([]map[string]any(nil), ls.setups...)
		ls.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d setup messages, want %d", len(got), n)
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// nextMessage waits for a client frame containing substr.
func (ls *liveServer) nextMessage(t *testing.T, substr string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ls.messages:
			if strings.Contains(string(msg), substr) {
				return msg
			}
		case <-deadline:
			t.Fatalf("no client frame containing %q", substr)
			return nil
		}
	}
}

// standardHandler acknowledges setup and records everything afterwards.
func standardHandler(sc *serverConn) {
	sc.readSetup()
	sc.ackSetup()
	sc.drain()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeScheduler records timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// pending returns the most recent live timer scheduled for d.
func (s *fakeScheduler) pending(d time.Duration) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		if t := s.timers[i]; t.d == d && !t.stopped.Load() {
			return t
		}
	}
	return nil
}

type fakeMic struct {
	mu      sync.Mutex
	onBlock func([]float32)
}

func (m *fakeMic) Start(onBlock func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBlock = onBlock
	return nil
}

type fakeMicFactory struct {
	mu      sync.Mutex
	opened  int
	closed  int
	current *fakeMic
}

type trackedMic struct {
	*fakeMic
	factory *fakeMicFactory
}

func (m trackedMic) Close() error {
	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()
	m.factory.closed++
	if m.factory.current == m.fakeMic {
		m.factory.current = nil
	}
	return nil
}

func (f *fakeMicFactory) New() (Microphone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.current = &fakeMic{}
	return trackedMic{fakeMic: f.current, factory: f}, nil
}

func (f *fakeMicFactory) feed(block []float32) {
	f.mu.Lock()
	mic := f.current
	f.mu.Unlock()
	if mic == nil {
		return
	}
	mic.mu.Lock()
	cb := mic.onBlock
	mic.mu.Unlock()
	if cb != nil {
		cb(block)
	}
}

func (f *fakeMicFactory) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakeSink struct {
	mu     sync.Mutex
	played []live.Buffer
	closed int
}

func (s *fakeSink) Play(buf live.Buffer, done func()) error {
	s.mu.Lock()
	s.played = append(s.played, buf)
	s.mu.Unlock()
	done()
	return nil
}

func (s *fakeSink) Stop() {}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSink) snapshot() []live.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.Buffer(nil), s.played...)
}

// micMetrics counts voice gate results and ignores everything else.
type micMetrics struct {
	nopMetrics
	passed, dropped atomic.Int64
}

func (m *micMetrics) AddMicBlocks(passed, dropped int64) {
	m.passed.Add(passed)
	m.dropped.Add(dropped)
}

type harness struct {
	ctrl      *Controller
	events    <-chan live.Event
	scheduler *fakeScheduler
	mics      *fakeMicFactory
	sink      *fakeSink
	metrics   *micMetrics
	sleeps    chan time.Duration

	// holdFirstSleep, when set before Connect, blocks the first backoff
	// sleep until it is closed, whatever the context says.
	holdFirstSleep chan struct{}
	slept          atomic.Bool
}

func newHarness(t *testing.T, ls *liveServer, mutate func(*live.SessionConfig)) *harness {
	t.Helper()
	cfg := live.DefaultSessionConfig()
	cfg.URL = ls.url()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SetupTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		scheduler: &fakeScheduler{},
		mics:      &fakeMicFactory{},
		sink:      &fakeSink{},
		metrics:   &micMetrics{},
		sleeps:    make(chan time.Duration, 16),
	}
	fixed := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	ctrl, err := New(Dependencies{
		Config:     cfg,
		Microphone: h.mics.New,
		Sink:       func() (live.Sink, error) { return h.sink, nil },
		Metrics:    h.metrics,
		Now:        func() time.Time { return fixed },
		AfterFunc:  h.scheduler.AfterFunc,
		Sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case h.sleeps <- d:
			default:
			}
			if h.holdFirstSleep != nil && !h.slept.Swap(true) {
				<-h.holdFirstSleep
			}
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, cancel := ctrl.Subscribe()
	h.ctrl = ctrl
	h.events = events
	t.Cleanup(func() {
		_ = ctrl.EndSession()
		cancel()
	})
	return h
}

func oneQuestionInterview() types.InterviewContext {
	return types.InterviewContext{
		InterviewID: "int_1",
		JobTitle:    "Backend Engineer",
		CompanyName: "Acme",
		FocusAreas:  []string{"Go", "Postgres"},
		Difficulty:  types.DifficultyMedium,
		Questions:   []types.Question{{ID: "q1", QuestionText: "Describe a deadlock you debugged."}},
	}
}

func twoQuestionInterview() types.InterviewContext {
	ic := oneQuestionInterview()
	ic.Questions = append(ic.Questions, types.Question{ID: "q2", QuestionText: "How would you shard this table?"})
	return ic
}

// waitForEvent returns the first event of type T, failing after two seconds.
// Events of other types seen on the way are returned too.
func waitForEvent[T live.Event](t *testing.T, events <-chan live.Event) (T, []live.Event) {
	t.Helper()
	var seen []live.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				var zero T
				t.Fatalf("event channel closed while waiting for %T", zero)
				return zero, seen
			}
			seen = append(seen, ev)
			if match, ok := ev.(T); ok {
				return match, seen
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T (saw %d other events)", zero, len(seen))
			return zero, seen
		}
	}
}

// collectFor drains events for d.
func collectFor(events <-chan live.Event, d time.Duration) []live.Event {
	var out []live.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func voicedBlock(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.3
		} else {
			out[i] = -0.3
		}
	}
	return out
}
