// Package audio converts between telephony audio (G.711 µ-law, 8 kHz) and the
// 16-bit linear PCM the conversation model speaks (16 kHz in, 24 kHz out).
//
// All functions are pure. The wire helpers follow a degrade-gracefully policy:
// a payload that cannot be decoded is returned unchanged so a single bad frame
// never silences a live call.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// Sample rates used on each side of the bridge.
const (
	TelephonyRate   = 8000
	ModelInputRate  = 16000
	ModelOutputRate = 24000
)

// CodecError reports a payload that could not be transcoded.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// DecodeMulaw expands one G.711 µ-law byte to a linear 16-bit sample.
func DecodeMulaw(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMulaw compresses a linear 16-bit sample to one G.711 µ-law byte.
func EncodeMulaw(sample int16) byte {
	s := int32(sample)
	var sign int32
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := int32(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulawFrame expands a µ-law frame into linear samples.
func DecodeMulawFrame(frame []byte) []int16 {
	out := make([]int16, len(frame))
	for i, b := range frame {
		out[i] = DecodeMulaw(b)
	}
	return out
}

// EncodeMulawFrame compresses linear samples into a µ-law frame.
func EncodeMulawFrame(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeMulaw(s)
	}
	return out
}

const (
	upsampleFactor   = ModelInputRate / TelephonyRate
	downsampleFactor = ModelOutputRate / TelephonyRate
)

// Upsample8kTo16k doubles the sample rate by repeating every sample.
func Upsample8kTo16k(samples []int16) []int16 {
	out := make([]int16, len(samples)*upsampleFactor)
	for i, s := range samples {
		for j := 0; j < upsampleFactor; j++ {
			out[upsampleFactor*i+j] = s
		}
	}
	return out
}

// Downsample24kTo8k averages each consecutive triple into one sample.
// A trailing group shorter than three samples is dropped.
func Downsample24kTo8k(samples []int16) []int16 {
	n := len(samples) / downsampleFactor
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for _, v := range samples[downsampleFactor*i : downsampleFactor*(i+1)] {
			sum += int32(v)
		}
		out[i] = int16(math.Round(float64(sum) / downsampleFactor))
	}
	return out
}

// PCM16FromBytes interprets little-endian bytes as 16-bit samples.
func PCM16FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("odd pcm16 byte length %d", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

// PCM16ToBytes serializes samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// TelephonyToModelStrict converts a base64 µ-law 8 kHz payload into a base64
// PCM16 16 kHz payload.
func TelephonyToModelStrict(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &CodecError{Op: "decode telephony payload", Err: err}
	}
	pcm := Upsample8kTo16k(DecodeMulawFrame(raw))
	return base64.StdEncoding.EncodeToString(PCM16ToBytes(pcm)), nil
}

// ModelToTelephonyStrict converts a base64 PCM16 24 kHz payload into a base64
// µ-law 8 kHz payload.
func ModelToTelephonyStrict(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &CodecError{Op: "decode model payload", Err: err}
	}
	pcm, err := PCM16FromBytes(raw)
	if err != nil {
		return "", &CodecError{Op: "read model pcm", Err: err}
	}
	return base64.StdEncoding.EncodeToString(EncodeMulawFrame(Downsample24kTo8k(pcm))), nil
}

// TelephonyToModel is TelephonyToModelStrict with passthrough on error.
func TelephonyToModel(payload string) string {
	out, err := TelephonyToModelStrict(payload)
	if err != nil {
		return payload
	}
	return out
}

// ModelToTelephony is ModelToTelephonyStrict with passthrough on error.
func ModelToTelephony(payload string) string {
	out, err := ModelToTelephonyStrict(payload)
	if err != nil {
		return payload
	}
	return out
}
