package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/tessera-audio/tessera/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResampleMono16_Deterministic(t *testing.T) {
	// Running the resampler twice on the same input must yield bit-identical
	// output.
	pcm := samplesToBytes([]int16{12, -340, 5600, -7800, 910, 1112, -1314, 1516})
	a := audio.ResampleMono16(pcm, 44100, 16000)
	b := audio.ResampleMono16(pcm, 44100, 16000)
	if !bytes.Equal(a, b) {
		t.Fatal("resampler output differs across identical runs")
	}
}

func TestResampler_FastPath(t *testing.T) {
	conv := audio.Resampler{Target: audio.PipelineFormat}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{1, 2, 3}),
		SampleRate: 16000,
		Channels:   1,
	}
	out := conv.Convert(frame)
	if &out.Data[0] != &frame.Data[0] {
		t.Error("matching format should return the frame unchanged (zero copy)")
	}
}

func TestResampler_OddByteCount(t *testing.T) {
	conv := audio.Resampler{Target: audio.PipelineFormat}
	out := conv.Convert(audio.AudioFrame{
		Data:       []byte{0x01, 0x02, 0x03},
		SampleRate: 48000,
		Channels:   1,
	})
	if len(out.Data) != 0 {
		t.Errorf("corrupt frame should be dropped, got %d bytes", len(out.Data))
	}
}

func TestResampler_StereoTo16kMono(t *testing.T) {
	conv := audio.Resampler{Target: audio.PipelineFormat}
	// 48 kHz stereo input: 6 stereo frames.
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200, 100, 200, 100, 200, 100, 200, 100, 200, 100, 200}),
		SampleRate: 48000,
		Channels:   2,
	}
	out := conv.Convert(frame)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("got %dHz %dch, want 16000Hz 1ch", out.SampleRate, out.Channels)
	}
	got := bytesToSamples(out.Data)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	// Downmix average of 100/200 is 150.
	if got[0] != 150 {
		t.Errorf("first sample: got %d, want 150", got[0])
	}
}

func TestConvertStream_DropsEmptyFrames(t *testing.T) {
	in := make(chan audio.AudioFrame, 4)
	out := audio.ConvertStream(in, audio.PipelineFormat)

	in <- audio.AudioFrame{Data: []byte{0x01}, SampleRate: 48000, Channels: 1} // corrupt
	in <- audio.AudioFrame{Data: samplesToBytes([]int16{5, 6}), SampleRate: 16000, Channels: 1}
	close(in)

	var frames []audio.AudioFrame
	for f := range out {
		frames = append(frames, f)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}

func TestSilenceFrame(t *testing.T) {
	f := audio.SilenceFrame(100*time.Millisecond, 16000, 1, 2*time.Second)
	if len(f.Data) != 1600*2 {
		t.Errorf("expected 3200 bytes, got %d", len(f.Data))
	}
	if f.Duration() != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", f.Duration())
	}
	for _, b := range f.Data {
		if b != 0 {
			t.Fatal("silence frame contains non-zero bytes")
		}
	}
}

func TestPCMFloat32RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	f := audio.PCMToFloat32(pcm)
	if len(f) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(f))
	}
	if f[0] != 0 {
		t.Errorf("zero sample: got %f", f[0])
	}
	back := audio.Float32ToPCM(f)
	got := bytesToSamples(back)
	for i, want := range []int16{0, 16383, -16384, 32766, -32768} {
		diff := int(got[i]) - int(want)
		if diff < -1 || diff > 1 {
			t.Errorf("sample %d: got %d, want ~%d", i, got[i], want)
		}
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	// Constant amplitude 1000 → RMS 1000.
	pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
	got := audio.RMS(pcm)
	if got < 999 || got > 1001 {
		t.Errorf("RMS = %f, want 1000", got)
	}
}
