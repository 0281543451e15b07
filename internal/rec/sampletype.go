package rec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleType identifies the on-disk encoding of a single sample. Samples are
// little-endian regardless of type.
type SampleType string

// Supported sample encodings. Int16 is the acquisition default.
const (
	Int16  SampleType = "int16"
	Uint16 SampleType = "uint16"
	Int32  SampleType = "int32"
)

// Unsigned 16-bit samples are recentered around this midpoint when widened
// to the signed intermediate and restored when narrowed back.
const uint16Midpoint = 32767

// ParseSampleType returns the SampleType named by s.
func ParseSampleType(s string) (SampleType, error) {
	switch t := SampleType(s); t {
	case Int16, Uint16, Int32:
		return t, nil
	}
	return "", fmt.Errorf("%w: unsupported sample type %q", ErrFormat, s)
}

// Valid reports whether t is a supported encoding.
func (t SampleType) Valid() bool {
	return t == Int16 || t == Uint16 || t == Int32
}

// Width returns the number of bytes occupied by one sample, or 0 for an
// unsupported encoding.
func (t SampleType) Width() int {
	switch t {
	case Int16, Uint16:
		return 2
	case Int32:
		return 4
	}
	return 0
}

// Signed reports whether the encoding is a signed integer type.
func (t SampleType) Signed() bool {
	return t == Int16 || t == Int32
}

// DecodeSigned widens raw samples into the signed intermediate
// representation. Unsigned samples are recentered by subtracting the
// midpoint so that all encodings share one arithmetic domain.
func (t SampleType) DecodeSigned(raw []byte) ([]int64, error) {
	if err := t.checkRaw(raw); err != nil {
		return nil, err
	}
	out := make([]int64, len(raw)/t.Width())
	switch t {
	case Int16:
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case Uint16:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint16(raw[i*2:])) - uint16Midpoint
		}
	case Int32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	}
	return out, nil
}

// DecodeFloat widens raw samples to float64, recentering unsigned samples
// around the midpoint the same way DecodeSigned does.
func (t SampleType) DecodeFloat(raw []byte) ([]float64, error) {
	sig, err := t.DecodeSigned(raw)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(sig))
	for i, v := range sig {
		out[i] = float64(v)
	}
	return out, nil
}

// EncodeSigned narrows a signed intermediate series back to the on-disk
// encoding. The midpoint is restored for unsigned encodings, and values
// outside the encodable range are clamped, never wrapped.
func (t SampleType) EncodeSigned(sig []int64) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unsupported sample type %q", ErrFormat, string(t))
	}
	out := make([]byte, len(sig)*t.Width())
	switch t {
	case Int16:
		for i, v := range sig {
			s := int16(clampInt64(v, math.MinInt16, math.MaxInt16))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
	case Uint16:
		for i, v := range sig {
			u := clampInt64(v+uint16Midpoint, 0, math.MaxUint16)
			binary.LittleEndian.PutUint16(out[i*2:], uint16(u))
		}
	case Int32:
		for i, v := range sig {
			s := int32(clampInt64(v, math.MinInt32, math.MaxInt32))
			binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
		}
	}
	return out, nil
}

func (t SampleType) checkRaw(raw []byte) error {
	w := t.Width()
	if w == 0 {
		return fmt.Errorf("%w: unsupported sample type %q", ErrFormat, string(t))
	}
	if len(raw)%w != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %s samples",
			ErrCorruptRecording, len(raw), t)
	}
	return nil
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
