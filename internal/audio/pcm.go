package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resample converts mono samples from one rate to another by linear
// interpolation. Equal rates return the input unchanged.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}

// EncodePCM16 clamps samples to [-1, 1] and writes them as little-endian int16.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(float64(s)*math.MaxInt16))))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / math.MaxInt16
	}
	return out, nil
}

// blocker cuts a sample stream into fixed-size blocks.
type blocker struct {
	size int
	buf  []float32
}

func newBlocker(size int) *blocker {
	return &blocker{size: size, buf: make([]float32, 0, size)}
}

// push appends samples and returns every completed block.
func (b *blocker) push(samples []float32) [][]float32 {
	var blocks [][]float32
	for len(samples) > 0 {
		n := b.size - len(b.buf)
		if n > len(samples) {
			n = len(samples)
		}
		b.buf = append(b.buf, samples[:n]...)
		samples = samples[n:]
		if len(b.buf) == b.size {
			blocks = append(blocks, b.buf)
			b.buf = make([]float32, 0, b.size)
		}
	}
	return blocks
}
