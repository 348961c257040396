package live

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

const (
	// InputSampleRate is the rate the live service expects for microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is the nominal rate of synthesized audio.
	OutputSampleRate = 24000
)

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// InputAudioConfig is the outbound microphone format.
func InputAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: InputSampleRate, Channels: 1, BitsPerSample: 16}
}

// OutputAudioConfig is the default inbound format.
func OutputAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: OutputSampleRate, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// Buffer is decoded PCM16 audio ready for playback.
type Buffer struct {
	PCM    []byte
	Format AudioConfig
}

// DurationMs returns the playback length of the buffer.
func (b Buffer) DurationMs() int {
	return b.Format.DurationMs(len(b.PCM))
}

// FloatToPCM16 converts float samples in [-1, 1] to little-endian 16-bit PCM.
// Out-of-range samples are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// PCM16ToFloat converts little-endian 16-bit PCM to float samples in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32767
		if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// CalculateRMS computes the root-mean-square of float samples.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeBase64 encodes a binary frame for the wire.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a wire payload. Unpadded input is accepted.
func DecodeBase64(s string) ([]byte, error) {
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return out, nil
}

// ParseSampleRate extracts the rate= parameter of an audio MIME type such as
// "audio/pcm;rate=24000". fallback is returned when it is absent or invalid.
func ParseSampleRate(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(strings.TrimSpace(params["rate"]))
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

var errNotContainer = errors.New("not a RIFF/WAVE container")

// DecodeInboundAudio turns an inline audio payload into a playable buffer.
// A WAV container is tried first; anything else is read as raw mono PCM16 at
// the MIME rate, or OutputSampleRate when the MIME carries none.
func DecodeInboundAudio(data []byte, mimeType string) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("empty audio payload")
	}
	if buf, err := decodeWAV(data); err == nil {
		return buf, nil
	}
	format := OutputAudioConfig()
	format.SampleRate = ParseSampleRate(mimeType, OutputSampleRate)
	pcm := data
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return Buffer{PCM: pcm, Format: format}, nil
}

// decodeWAV parses a PCM16 RIFF/WAVE container.
func decodeWAV(data []byte) (Buffer, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return Buffer{}, errNotContainer
	}

	var format AudioConfig
	haveFormat := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, fmt.Errorf("wav fmt chunk too short")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			if audioFormat != 1 {
				return Buffer{}, fmt.Errorf("unsupported wav encoding %d", audioFormat)
			}
			format = AudioConfig{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4:])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14:])),
			}
			if format.BitsPerSample != 16 {
				return Buffer{}, fmt.Errorf("unsupported wav bit depth %d", format.BitsPerSample)
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return Buffer{}, fmt.Errorf("wav data chunk before fmt chunk")
			}
			pcm := data[body : body+size]
			if len(pcm)%2 != 0 {
				pcm = pcm[:len(pcm)-1]
			}
			return Buffer{PCM: pcm, Format: format}, nil
		}
		pos = body + size + size%2
	}
	return Buffer{}, fmt.Errorf("wav container has no data chunk")
}

// Resample converts mono PCM16 between sample rates with linear interpolation.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(pcm) < 4 {
		return pcm
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(toRate) / int64(fromRate))
	out := make([]byte, n*2)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < n; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		b := a
		if idx+1 < in {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(a+(b-a)*frac))))
	}
	return out
}
