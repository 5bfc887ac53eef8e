// Package capture moves recorded master output from the audio thread to
// the control side in fixed-size chunks.
//
// All chunks are allocated up front. The audio thread takes an empty chunk
// from the free ring, fills it and posts it on the full ring; the control
// side drains full chunks and hands them back. When no empty chunk is
// available the audio thread drops the frames and counts them.
package capture

import (
	"sync/atomic"

	"github.com/shaban/audiocore/engine/ring"
)

// Chunk is a run of contiguous interleaved frames.
type Chunk struct {
	// Sample is the transport position of the first frame.
	Sample   int64
	Channels int
	Frames   int
	buf      []float32
}

// Data returns the interleaved samples held by the chunk.
func (c *Chunk) Data() []float32 { return c.buf[:c.Frames*c.Channels] }

// End returns the position one past the last frame.
func (c *Chunk) End() int64 { return c.Sample + int64(c.Frames) }

// Buffer is the chunk exchange between one writer and one reader.
type Buffer struct {
	channels    int
	chunkFrames int

	free *ring.Ring[*Chunk]
	full *ring.Ring[*Chunk]

	cur     *Chunk // audio-owned
	dropped atomic.Uint64
	written atomic.Uint64
}

// New allocates chunks chunks of chunkFrames frames each.
func New(channels, chunkFrames, chunks int) *Buffer {
	if channels <= 0 {
		channels = 2
	}
	if chunkFrames <= 0 {
		chunkFrames = 4096
	}
	if chunks <= 0 {
		chunks = 32
	}
	b := &Buffer{
		channels:    channels,
		chunkFrames: chunkFrames,
		free:        ring.New[*Chunk](chunks),
		full:        ring.New[*Chunk](chunks),
	}
	for i := 0; i < chunks; i++ {
		b.free.TryPush(&Chunk{Channels: channels, buf: make([]float32, chunkFrames*channels)})
	}
	return b
}

// Channels returns the interleave width.
func (b *Buffer) Channels() int { return b.channels }

// Dropped returns how many frames were lost because the reader fell behind.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Written returns how many frames reached a chunk.
func (b *Buffer) Written() uint64 { return b.written.Load() }

// Write appends frames interleaved frames recorded at transport position
// sample. A position jump closes the current chunk. Audio thread only.
func (b *Buffer) Write(sample int64, in []float32, frames int) {
	frames = min(frames, len(in)/b.channels)
	for frames > 0 {
		if b.cur != nil && b.cur.End() != sample {
			b.Flush()
		}
		if b.cur == nil {
			c, ok := b.free.TryPop()
			if !ok {
				b.dropped.Add(uint64(frames))
				return
			}
			c.Sample, c.Frames = sample, 0
			b.cur = c
		}
		n := min(frames, b.chunkFrames-b.cur.Frames)
		at := b.cur.Frames * b.channels
		copy(b.cur.buf[at:at+n*b.channels], in[:n*b.channels])
		b.cur.Frames += n
		b.written.Add(uint64(n))
		if b.cur.Frames == b.chunkFrames {
			b.Flush()
		}
		in = in[n*b.channels:]
		sample += int64(n)
		frames -= n
	}
}

// Flush posts the partially filled chunk. Audio thread only.
func (b *Buffer) Flush() {
	if b.cur == nil {
		return
	}
	if b.cur.Frames > 0 {
		b.full.TryPush(b.cur)
	} else {
		b.free.TryPush(b.cur)
	}
	b.cur = nil
}

// Drain hands every full chunk to fn in recording order and recycles it.
// The chunk must not be retained after fn returns. Drain stops at the
// first error. Control side only.
func (b *Buffer) Drain(fn func(*Chunk) error) error {
	for {
		c, ok := b.full.TryPop()
		if !ok {
			return nil
		}
		err := fn(c)
		b.free.TryPush(c)
		if err != nil {
			return err
		}
	}
}
