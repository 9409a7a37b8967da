package audio

import "math"

// G.711 mu-law codec plus hold-tone synthesis for the telephony leg. Twilio
// media streams carry 8kHz mono mu-law; the realtime model is configured for
// the same format, so live call audio passes through untouched and this codec
// is only needed for locally generated audio (hold tone, probe input).

const (
	mulawBias = 0x84
	mulawClip = 32635

	// TelephonySampleRate is the media-stream sample rate in Hz.
	TelephonySampleRate = 8000

	// FrameSamples is the size of one outbound media frame (20ms at 8kHz).
	FrameSamples = 160
)

// MulawEncodeSample converts one PCM16 sample to mu-law.
func MulawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawDecodeSample converts one mu-law byte back to PCM16.
func MulawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// MulawEncode converts PCM16LE bytes to mu-law bytes.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out = append(out, MulawEncodeSample(sample))
	}
	return out
}

// MulawDecode converts mu-law bytes to PCM16LE bytes.
func MulawDecode(mulaw []byte) []byte {
	out := make([]byte, 0, len(mulaw)*2)
	for _, b := range mulaw {
		s := MulawDecodeSample(b)
		out = append(out, byte(uint16(s)), byte(uint16(s)>>8))
	}
	return out
}

// HoldTone synthesizes a soft dual-tone loop as mu-law frames of FrameSamples
// bytes each. The level is deliberately low so the tone reads as "please
// hold" rather than competing with speech.
func HoldTone(frames int) [][]byte {
	if frames <= 0 {
		return nil
	}
	const (
		freqA     = 440.0
		freqB     = 350.0
		amplitude = 0.12
	)
	out := make([][]byte, 0, frames)
	sample := 0
	for f := 0; f < frames; f++ {
		frame := make([]byte, FrameSamples)
		for i := range frame {
			t := float64(sample) / TelephonySampleRate
			// A beat every second keeps the tone from sounding continuous.
			gate := 1.0
			if math.Mod(t, 1.0) > 0.6 {
				gate = 0
			}
			v := amplitude * gate * 0.5 * (math.Sin(2*math.Pi*freqA*t) + math.Sin(2*math.Pi*freqB*t))
			frame[i] = MulawEncodeSample(int16(v * math.MaxInt16))
			sample++
		}
		out = append(out, frame)
	}
	return out
}
