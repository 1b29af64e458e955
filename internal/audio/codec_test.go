package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		name       string
		codec      Codec
		sampleRate int
		dataLen    int
		want       time.Duration
	}{
		{"pcm one second", CodecPCM, 16000, 32000, time.Second},
		{"pcm half second", CodecPCM, 24000, 24000, 500 * time.Millisecond},
		{"ulaw one second", CodecG711Ulaw, 0, 8000, time.Second},
		{"alaw quarter second", CodecG711Alaw, 0, 2000, 250 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Duration(tc.dataLen, tc.codec, tc.sampleRate)
			if err != nil {
				t.Fatalf("Duration: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Duration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDurationUnsupportedCodec(t *testing.T) {
	if _, err := Duration(100, Codec("opus"), 48000); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}

func TestTranscodePCMPassthrough(t *testing.T) {
	in := make([]byte, 8)
	for i, s := range []int16{0, 1000, -1000, math.MaxInt16} {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(s))
	}

	out, err := Transcode(in, CodecPCM, 16000, 16000)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := 0; i < len(in); i += 2 {
		got := int16(binary.LittleEndian.Uint16(out[i:]))
		want := int16(binary.LittleEndian.Uint16(in[i:]))
		if got != want {
			t.Fatalf("sample %d = %d, want %d", i/2, got, want)
		}
	}
}

func TestTranscodeUpsamplesG711(t *testing.T) {
	// 100ms of ulaw silence at 8kHz should come out as 100ms of pcm16 at 24kHz.
	in := make([]byte, 800)
	for i := range in {
		in[i] = 0xFF // ulaw encoding of ~0
	}

	out, err := Transcode(in, CodecG711Ulaw, 0, 24000)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if got, want := len(out), 2400*2; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
}

func TestTranscodeUnsupportedCodec(t *testing.T) {
	if _, err := Transcode([]byte{1, 2}, Codec("opus"), 48000, 24000); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}
