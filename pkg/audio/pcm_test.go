package audio_test

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/MrWong99/omniflow/pkg/audio"
)

func TestEncodeBlob(t *testing.T) {
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{1, -1}), SampleRate: 16000, Channels: 1}
	b := audio.EncodeBlob(frame)
	if b.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want %q", b.MIMEType, "audio/pcm;rate=16000")
	}
	if want := base64.StdEncoding.EncodeToString(frame.Data); b.Data != want {
		t.Errorf("Data = %q, want %q", b.Data, want)
	}

	raw, err := audio.DecodeBlob(b)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if got := bytesToSamples(raw); len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Errorf("decoded samples = %v, want [1 -1]", got)
	}
}

func TestDecodeBlob_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not base64", data: "!!not-base64!!"},
		{name: "empty", data: ""},
		{name: "odd byte count", data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.DecodeBlob(audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: tt.data})
			if !errors.Is(err, audio.ErrMalformedBlob) {
				t.Errorf("err = %v, want ErrMalformedBlob", err)
			}
		})
	}
}

func TestBlobSampleRate(t *testing.T) {
	tests := []struct {
		mime   string
		want   int
		wantOK bool
	}{
		{mime: "audio/pcm;rate=24000", want: 24000, wantOK: true},
		{mime: "audio/pcm; rate=16000", want: 16000, wantOK: true},
		{mime: "audio/pcm", wantOK: false},
		{mime: "audio/pcm;rate=abc", wantOK: false},
		{mime: "audio/opus;rate=48000", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got, ok := audio.BlobSampleRate(tt.mime)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("BlobSampleRate(%q) = (%d, %v), want (%d, %v)", tt.mime, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	got := bytesToSamples(audio.Float32ToPCM16([]float32{0, 0.5, -0.5, 1, -1, 2, -3}))
	want := []int16{0, 16383, -16383, 32767, -32767, 32767, -32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
