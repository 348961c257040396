package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FFmpegConfig configures the ffmpeg screen and audio capturer.
type FFmpegConfig struct {
	Path string
	// Bitrate is the video bitrate, for example "2500k".
	Bitrate string
	// ChunkInterval is the cadence at which captured bytes become a chunk.
	ChunkInterval time.Duration
	// InputArgs override the platform default screen and microphone inputs.
	InputArgs []string
	// StopTimeout bounds the wait for ffmpeg to finalize after "q".
	StopTimeout time.Duration
	Logger      *zerolog.Logger
}

// DefaultFFmpegConfig records WebM at 2.5 Mbit/s in 1s chunks.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Path:          "ffmpeg",
		Bitrate:       "2500k",
		ChunkInterval: time.Second,
		StopTimeout:   5 * time.Second,
	}
}

const webmMimeType = "video/webm"

// FFmpegCapturer records the screen and the default microphone with an
// ffmpeg subprocess writing WebM to stdout.
type FFmpegCapturer struct {
	cfg FFmpegConfig
	log zerolog.Logger
}

// NewFFmpegCapturer creates a capturer. The binary is resolved on Start.
func NewFFmpegCapturer(cfg FFmpegConfig) *FFmpegCapturer {
	def := DefaultFFmpegConfig()
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = def.Path
	}
	if strings.TrimSpace(cfg.Bitrate) == "" {
		cfg.Bitrate = def.Bitrate
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = def.ChunkInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &FFmpegCapturer{cfg: cfg, log: *cfg.Logger}
}

func defaultInputArgs(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", "15", "-i", "1:0"}
	case "windows":
		return []string{"-f", "gdigrab", "-framerate", "15", "-i", "desktop", "-f", "dshow", "-i", "audio=default"}
	default:
		return []string{"-f", "x11grab", "-framerate", "15", "-i", ":0.0", "-f", "pulse", "-i", "default"}
	}
}

func (c *FFmpegCapturer) args() []string {
	in := c.cfg.InputArgs
	if len(in) == 0 {
		in = defaultInputArgs(runtime.GOOS)
	}
	// stdin stays open: Stop writes "q" to it.
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, in...)
	args = append(args,
		"-c:v", "libvpx", "-b:v", c.cfg.Bitrate, "-deadline", "realtime", "-cpu-used", "8",
		"-c:a", "libopus", "-b:a", "64k",
		"-f", "webm", "pipe:1",
	)
	return args
}

// Start launches ffmpeg. The returned capture collects stdout in chunks. ctx
// only bounds the launch; the capture runs until Stop.
func (c *FFmpegCapturer) Start(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(c.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	cmd := exec.Command(path, c.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	fc := &ffmpegCapture{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   &stderr,
		timeout:  c.cfg.StopTimeout,
		log:      c.log,
		readDone: make(chan struct{}),
		tickStop: make(chan struct{}),
	}
	go fc.read(stdout)
	go fc.tick(c.cfg.ChunkInterval)
	c.log.Debug().Int("pid", cmd.Process.Pid).Msg("ffmpeg capture started")
	return fc, nil
}

type ffmpegCapture struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	current bytes.Buffer
	chunks  [][]byte
	readErr error

	readDone chan struct{}
	tickStop chan struct{}
	stopOnce sync.Once
}

func (f *ffmpegCapture) MimeType() string { return webmMimeType }

func (f *ffmpegCapture) read(r io.Reader) {
	defer close(f.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.mu.Lock()
			f.current.Write(buf[:n])
			f.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.mu.Lock()
				f.readErr = err
				f.mu.Unlock()
			}
			return
		}
	}
}

func (f *ffmpegCapture) tick(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-f.tickStop:
			return
		case <-t.C:
			f.cutChunk()
		}
	}
}

func (f *ffmpegCapture) cutChunk() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Len() == 0 {
		return
	}
	f.chunks = append(f.chunks, bytes.Clone(f.current.Bytes()))
	f.current.Reset()
}

// Stop asks ffmpeg to finalize the container and waits for it to exit.
func (f *ffmpegCapture) Stop() ([][]byte, error) {
	var err error
	f.stopOnce.Do(func() {
		close(f.tickStop)
		_, _ = io.WriteString(f.stdin, "q")
		_ = f.stdin.Close()

		select {
		case <-f.readDone:
		case <-time.After(f.timeout):
			f.log.Warn().Msg("ffmpeg did not exit in time, killing")
			_ = f.cmd.Process.Kill()
			<-f.readDone
		}
		if werr := f.cmd.Wait(); werr != nil {
			err = fmt.Errorf("ffmpeg exited: %w: %s", werr, strings.TrimSpace(f.stderr.String()))
		}
		f.cutChunk()
		f.mu.Lock()
		if err == nil && f.readErr != nil {
			err = f.readErr
		}
		f.mu.Unlock()
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks, err
}
