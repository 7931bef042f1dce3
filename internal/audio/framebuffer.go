// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"sync"
	"time"

	"micstream/pkg/bitint"
)

// DefaultBufferWindow is how much audio the ring holds before it starts
// overwriting. Overwrites therefore only happen when the consumer stalls for
// longer than this.
const DefaultBufferWindow = time.Second

// frameSlot is one pre-allocated ring entry.
type frameSlot struct {
	samples []float32
	rate    int
	seq     uint64
	ts      int64
	level   LevelSample
}

// FrameBuffer is a fixed-capacity ring of frames with overwrite-oldest
// semantics. All slot storage is allocated by NewFrameBuffer; Push and
// PopInto copy into existing memory and never allocate.
//
// The mutex only covers index bookkeeping and one slot copy. It is never
// held while a frame is handed to a sink.
type FrameBuffer struct {
	mu          sync.Mutex
	slots       []frameSlot
	mask        uint64
	head        uint64 // next slot to read, monotonic
	tail        uint64 // next slot to write, monotonic
	overwritten uint64
}

// NewFrameBuffer allocates a ring of at least capacity slots (rounded up to
// a power of two), each able to hold frameSize samples.
func NewFrameBuffer(capacity, frameSize int) *FrameBuffer {
	capacity = bitint.NextPowerOfTwo(max(capacity, 2))
	slots := make([]frameSlot, capacity)
	backing := make([]float32, capacity*frameSize)
	for i := range slots {
		slots[i].samples = backing[i*frameSize : i*frameSize : (i+1)*frameSize]
	}
	return &FrameBuffer{
		slots: slots,
		mask:  uint64(capacity - 1),
	}
}

// CapacityFor returns the slot count needed to hold window worth of frames
// of frameSize samples at sampleRate.
func CapacityFor(sampleRate, frameSize int, window time.Duration) int {
	if sampleRate <= 0 || frameSize <= 0 {
		return 2
	}
	frames := math.Ceil(window.Seconds() * float64(sampleRate) / float64(frameSize))
	return bitint.NextPowerOfTwo(max(int(frames), 2))
}

// Push copies samples into the next slot. It reports true when the oldest
// unread frame had to be overwritten to make room. Samples beyond the slot
// size are ignored.
func (b *FrameBuffer) Push(samples []float64, seq uint64, rate int, ts int64, level LevelSample) (overwrote bool) {
	b.mu.Lock()
	if b.tail-b.head == uint64(len(b.slots)) {
		b.head++
		b.overwritten++
		overwrote = true
	}
	slot := &b.slots[b.tail&b.mask]
	n := min(len(samples), cap(slot.samples))
	slot.samples = slot.samples[:n]
	for i := range n {
		slot.samples[i] = float32(samples[i])
	}
	slot.rate = rate
	slot.seq = seq
	slot.ts = ts
	slot.level = level
	b.tail++
	b.mu.Unlock()
	return overwrote
}

// PopInto moves the oldest unread frame into dst and level. dst.Samples must
// have enough capacity for one slot; it is resliced, not reallocated.
func (b *FrameBuffer) PopInto(dst *AudioFrame, level *LevelSample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head == b.tail {
		return false
	}
	slot := &b.slots[b.head&b.mask]
	n := min(len(slot.samples), cap(dst.Samples))
	dst.Samples = dst.Samples[:n]
	copy(dst.Samples, slot.samples[:n])
	dst.Channels = MonoChannels
	dst.SampleRate = slot.rate
	dst.Seq = slot.seq
	dst.TimestampMs = slot.ts
	*level = slot.level
	b.head++
	return true
}

// Len returns the number of unread frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tail - b.head)
}

// Cap returns the number of slots.
func (b *FrameBuffer) Cap() int {
	return len(b.slots)
}

// Overwritten returns how many frames were evicted unread since creation.
func (b *FrameBuffer) Overwritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overwritten
}

// Reset discards unread frames.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	b.head = b.tail
	b.mu.Unlock()
}
