package live

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return pcm
}

// encodeWAV wraps PCM16 in a minimal RIFF/WAVE header.
func encodeWAV(pcm []byte, format AudioConfig) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(format.Channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:], uint16(format.Channels*format.BitsPerSample/8))
	binary.LittleEndian.PutUint16(out[34:], uint16(format.BitsPerSample))
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}

func TestCalculateRMS(t *testing.T) {
	if got := CalculateRMS(nil); got != 0 {
		t.Fatalf("CalculateRMS(nil) = %v, want 0", got)
	}
	if got := CalculateRMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-6 {
		t.Fatalf("CalculateRMS = %v, want 0.5", got)
	}
}

func TestFloatToPCM16_RoundTrip(t *testing.T) {
	const step = 1.0 / 32768.0
	var samples []float32
	for i := -1000; i <= 1000; i++ {
		samples = append(samples, float32(i)/1000)
	}
	samples = append(samples, 0.99998444, -0.99998444, 1e-5, -1e-5)

	decoded := PCM16ToFloat(FloatToPCM16(samples))
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i, s := range samples {
		if diff := math.Abs(float64(decoded[i]) - float64(s)); diff > step {
			t.Fatalf("sample %v decoded to %v (diff %v > %v)", s, decoded[i], diff, step)
		}
	}
}

func TestFloatToPCM16_Clamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{2, -2})
	want := pcmFromSamples([]int16{32767, -32767})
	if !bytes.Equal(pcm, want) {
		t.Fatalf("FloatToPCM16 clamp = %v, want %v", pcm, want)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff, 0x10}
	got, err := DecodeBase64(EncodeBase64(data))
	if err != nil {
		t.Fatalf("DecodeBase64 error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip = %v, want %v", got, data)
	}
	if _, err := DecodeBase64("AAEC"); err != nil {
		t.Fatalf("DecodeBase64 unpadded error = %v", err)
	}
	if _, err := DecodeBase64("!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestParseSampleRate(t *testing.T) {
	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 24000},
		{"", 24000},
		{"audio/pcm;rate=abc", 24000},
		{"audio/pcm;rate=-5", 24000},
	}
	for _, tt := range tests {
		if got := ParseSampleRate(tt.mime, OutputSampleRate); got != tt.want {
			t.Errorf("ParseSampleRate(%q) = %d, want %d", tt.mime, got, tt.want)
		}
	}
}

func TestDecodeInboundAudio_RawPCMFallback(t *testing.T) {
	pcm := pcmFromSamples([]int16{1, 2, 3})
	buf, err := DecodeInboundAudio(append(pcm, 0x7f), "audio/pcm;rate=16000")
	if err != nil {
		t.Fatalf("DecodeInboundAudio error = %v", err)
	}
	if buf.Format.SampleRate != 16000 || buf.Format.Channels != 1 || buf.Format.BitsPerSample != 16 {
		t.Fatalf("format = %+v", buf.Format)
	}
	if !bytes.Equal(buf.PCM, pcm) {
		t.Fatalf("pcm = %v, want %v", buf.PCM, pcm)
	}

	buf, err = DecodeInboundAudio(pcm, "audio/pcm")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Format.SampleRate != OutputSampleRate {
		t.Fatalf("default rate = %d, want %d", buf.Format.SampleRate, OutputSampleRate)
	}

	if _, err := DecodeInboundAudio(nil, "audio/pcm"); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeInboundAudio_WAVContainer(t *testing.T) {
	pcm := pcmFromSamples([]int16{100, -100, 200, -200})
	format := AudioConfig{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	buf, err := DecodeInboundAudio(encodeWAV(pcm, format), "audio/pcm;rate=16000")
	if err != nil {
		t.Fatalf("DecodeInboundAudio error = %v", err)
	}
	if buf.Format != format {
		t.Fatalf("format = %+v, want %+v", buf.Format, format)
	}
	if !bytes.Equal(buf.PCM, pcm) {
		t.Fatalf("pcm = %v, want %v", buf.PCM, pcm)
	}
}

func TestAudioConfig(t *testing.T) {
	cfg := OutputAudioConfig()

	// 24kHz, mono, 16-bit = 48000 bytes/second
	if cfg.BytesPerSecond() != 48000 {
		t.Errorf("expected 48000 bytes/sec, got %d", cfg.BytesPerSecond())
	}
	if cfg.BytesForDurationMs(1000) != 48000 {
		t.Errorf("expected 48000 bytes for 1s, got %d", cfg.BytesForDurationMs(1000))
	}
	if cfg.DurationMs(48000) != 1000 {
		t.Errorf("expected 1000ms for 48000 bytes, got %d", cfg.DurationMs(48000))
	}
	if InputAudioConfig().BytesPerSecond() != 32000 {
		t.Errorf("expected 32000 bytes/sec for input, got %d", InputAudioConfig().BytesPerSecond())
	}
}

func TestResample(t *testing.T) {
	pcm := pcmFromSamples(make([]int16, 240))
	out := Resample(pcm, 24000, 48000)
	if len(out) != 480*2 {
		t.Fatalf("resampled len = %d, want %d", len(out), 480*2)
	}
	if got := Resample(pcm, 24000, 24000); !bytes.Equal(got, pcm) {
		t.Fatal("same-rate resample should be a no-op")
	}

	ramp := pcmFromSamples([]int16{0, 1000})
	up := PCM16ToFloat(Resample(ramp, 1, 2))
	if len(up) != 4 {
		t.Fatalf("len = %d, want 4", len(up))
	}
	if mid := up[1] * 32767; math.Abs(float64(mid)-500) > 1 {
		t.Fatalf("interpolated sample = %v, want ~500", mid)
	}
}
