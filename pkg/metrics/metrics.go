// Package metrics exposes Prometheus metrics for the interview engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/live/session"
	"github.com/vango-go/vai-interview/pkg/recording"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ConnectDuration *prometheus.HistogramVec
	Connected       prometheus.Gauge
	RenewalsTotal   prometheus.Counter
	ReconnectsTotal prometheus.Counter
	AudioBytesTotal *prometheus.CounterVec
	MicBlocksTotal  *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Recording metrics
	RecordingActive prometheus.Gauge
	UploadsTotal    *prometheus.CounterVec
	UploadAttempts  prometheus.Histogram
	UploadDuration  *prometheus.HistogramVec
}

var (
	_ session.Metrics   = (*Metrics)(nil)
	_ recording.Metrics = (*Metrics)(nil)
)

// New creates a Metrics instance with every metric registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "interview"
	}

	registry := prometheus.NewRegistry()

	connectDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_connect_duration_seconds",
			Help:      "Time from dial to setup complete",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"status"},
	)

	connected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_session_connected",
			Help:      "1 while a live session is connected",
		},
	)

	renewalsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_session_renewals_total",
			Help:      "Total number of session renewals",
		},
	)

	reconnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_reconnect_attempts_total",
			Help:      "Total number of reconnect attempts",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total PCM bytes streamed",
		},
		[]string{"direction"},
	)

	micBlocksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_mic_blocks_total",
			Help:      "Captured microphone blocks by voice gate result",
		},
		[]string{"result"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_tokens_total",
			Help:      "Tokens reported by the live service",
		},
		[]string{"direction"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		},
		[]string{"error_type"},
	)

	recordingActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_active",
			Help:      "1 while a question recording is running",
		},
	)

	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_uploads_total",
			Help:      "Finished uploads by outcome",
		},
		[]string{"status"},
	)

	uploadAttempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_upload_attempts",
			Help:      "Attempts used per finished upload",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	uploadDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_upload_duration_seconds",
			Help:      "Upload duration including retries",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	registry.MustRegister(
		connectDuration,
		connected,
		renewalsTotal,
		reconnectsTotal,
		audioBytesTotal,
		micBlocksTotal,
		tokensTotal,
		errorsTotal,
		recordingActive,
		uploadsTotal,
		uploadAttempts,
		uploadDuration,
	)

	return &Metrics{
		registry:        registry,
		ConnectDuration: connectDuration,
		Connected:       connected,
		RenewalsTotal:   renewalsTotal,
		ReconnectsTotal: reconnectsTotal,
		AudioBytesTotal: audioBytesTotal,
		MicBlocksTotal:  micBlocksTotal,
		TokensTotal:     tokensTotal,
		ErrorsTotal:     errorsTotal,
		RecordingActive: recordingActive,
		UploadsTotal:    uploadsTotal,
		UploadAttempts:  uploadAttempts,
		UploadDuration:  uploadDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveConnect records one connect attempt.
func (m *Metrics) ObserveConnect(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ConnectDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetConnected flips the connected gauge.
func (m *Metrics) SetConnected(connected bool) {
	m.Connected.Set(boolToFloat(connected))
}

func (m *Metrics) IncRenewal()   { m.RenewalsTotal.Inc() }
func (m *Metrics) IncReconnect() { m.ReconnectsTotal.Inc() }

// IncError counts a classified error.
func (m *Metrics) IncError(kind core.ErrorType) {
	m.ErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// AddAudioBytes counts streamed PCM; direction is "in" or "out".
func (m *Metrics) AddAudioBytes(direction string, n int) {
	if n > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// AddMicBlocks counts blocks the voice gate forwarded and dropped.
func (m *Metrics) AddMicBlocks(passed, dropped int64) {
	if passed > 0 {
		m.MicBlocksTotal.WithLabelValues("passed").Add(float64(passed))
	}
	if dropped > 0 {
		m.MicBlocksTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
}

// SetRecording flips the recording gauge.
func (m *Metrics) SetRecording(active bool) {
	m.RecordingActive.Set(boolToFloat(active))
}

// ObserveUpload records a finished upload.
func (m *Metrics) ObserveUpload(status recording.UploadStatus, attempts int, d time.Duration) {
	label := string(status)
	m.UploadsTotal.WithLabelValues(label).Inc()
	m.UploadAttempts.Observe(float64(attempts))
	m.UploadDuration.WithLabelValues(label).Observe(d.Seconds())
}

// Observe feeds bus events that carry measurements.
func (m *Metrics) Observe(ev live.Event) {
	if u, ok := ev.(*live.UsageEvent); ok {
		if u.PromptTokens > 0 {
			m.TokensTotal.WithLabelValues("prompt").Add(float64(u.PromptTokens))
		}
		if u.ResponseTokens > 0 {
			m.TokensTotal.WithLabelValues("response").Add(float64(u.ResponseTokens))
		}
	}
}

// Server returns an http.Server exposing /metrics and /healthz on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := []byte("ok")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
