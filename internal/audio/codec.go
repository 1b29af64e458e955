package audio

import (
	"fmt"
	"time"
)

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (e.g. PCM passthrough).
type decoder struct {
	fn          func([]byte) []float32
	rate        int
	bytesPerSec func(sampleRate int) int
}

// decoders maps each supported codec to its decode function and output sample rate.
var decoders = map[Codec]decoder{
	CodecPCM:      {fn: decodePCM, rate: 0, bytesPerSec: func(r int) int { return r * 2 }},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000, bytesPerSec: func(int) int { return 8000 }},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000, bytesPerSec: func(int) int { return 8000 }},
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// Transcode converts encoded audio to little-endian 16-bit PCM at dstRate,
// resampling when the source rate differs.
func Transcode(data []byte, codec Codec, sampleRate, dstRate int) ([]byte, error) {
	samples, srcRate, err := Decode(data, codec, sampleRate)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, srcRate, dstRate)
	return encodePCM16(samples), nil
}

// Duration estimates the wall-clock length of an encoded audio chunk.
func Duration(dataLen int, codec Codec, sampleRate int) (time.Duration, error) {
	dec, ok := decoders[codec]
	if !ok {
		return 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	bps := dec.bytesPerSec(sampleRate)
	if bps <= 0 {
		return 0, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	return time.Duration(float64(dataLen) / float64(bps) * float64(time.Second)), nil
}
