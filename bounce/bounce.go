// Package bounce writes engine output to WAV files, either rendered
// offline or drained from the recording capture.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/shaban/audiocore/engine"
	"github.com/shaban/audiocore/engine/capture"
)

var (
	ErrBitDepth = errors.New("bounce: bit depth must be 16, 24 or 32")
	ErrClosed   = errors.New("bounce: writer closed")
	ErrNotWAV   = errors.New("bounce: not a WAV file")
)

// WAVWriter encodes interleaved float frames as integer PCM.
type WAVWriter struct {
	enc      *wav.Encoder
	buf      *audio.IntBuffer
	channels int
	scale    float64
	frames   int64
	closed   bool
}

// NewWAVWriter starts a PCM WAV stream on w. The header is completed by
// Close.
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels, bitDepth int) (*WAVWriter, error) {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d", ErrBitDepth, bitDepth)
	}
	if channels < 1 {
		return nil, fmt.Errorf("bounce: invalid channel count %d", channels)
	}
	return &WAVWriter{
		enc: wav.NewEncoder(w, sampleRate, bitDepth, channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
		channels: channels,
		scale:    float64(int64(1)<<(bitDepth-1) - 1),
	}, nil
}

// Channels returns the interleave width Write expects.
func (w *WAVWriter) Channels() int { return w.channels }

// Frames returns how many frames were written.
func (w *WAVWriter) Frames() int64 { return w.frames }

// Write appends interleaved samples, clipping to [-1, 1].
func (w *WAVWriter) Write(interleaved []float32) error {
	if w.closed {
		return ErrClosed
	}
	n := len(interleaved) - len(interleaved)%w.channels
	if n == 0 {
		return nil
	}
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i, v := range interleaved[:n] {
		f := float64(v)
		switch {
		case f > 1:
			f = 1
		case f < -1:
			f = -1
		}
		w.buf.Data[i] = int(f * w.scale)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("bounce: encode: %w", err)
	}
	w.frames += int64(n / w.channels)
	return nil
}

// WriteChunk appends a recorded chunk.
func (w *WAVWriter) WriteChunk(c *capture.Chunk) error {
	if c.Channels != w.channels {
		return fmt.Errorf("bounce: chunk has %d channels, writer %d", c.Channels, w.channels)
	}
	return w.Write(c.Data())
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.enc.Close()
}

// Render runs core offline for frames frames and writes the master output
// to w. The core is marked as streaming for the duration so control calls
// queue for the renderer instead of pumping it.
func Render(ctx context.Context, core *engine.Core, frames int64, w *WAVWriter) error {
	s := core.Spec()
	if w.Channels() != s.ChannelCount {
		return fmt.Errorf("bounce: writer has %d channels, engine %d", w.Channels(), s.ChannelCount)
	}
	was := core.Streaming()
	core.SetStreaming(true)
	defer core.SetStreaming(was)

	block := s.BufferSize
	out := make([]float32, block*s.ChannelCount)
	for done := int64(0); done < frames; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := block
		if rest := frames - done; rest < int64(n) {
			n = int(rest)
		}
		core.Process(nil, out, n)
		if err := w.Write(out[:n*s.ChannelCount]); err != nil {
			return err
		}
		done += int64(n)
	}
	return nil
}

// ReadWAV decodes a PCM WAV into interleaved floats.
func ReadWAV(r io.ReadSeeker) (samples []float32, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("bounce: decode: %w", err)
	}
	scale := float64(int64(1)<<(dec.BitDepth-1) - 1)
	samples = make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(float64(v) / scale)
	}
	return samples, buf.Format.SampleRate, buf.Format.NumChannels, nil
}
