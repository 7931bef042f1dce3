// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"runtime"
	"sync/atomic"
)

// levelCell publishes the latest LevelSample from the capture callback to
// any number of readers without a lock. It is a seqlock: the version is odd
// while a store is in progress and readers retry until they see the same
// even version before and after copying. The version only grows.
//
// There must be a single writer at a time.
type levelCell struct {
	version atomic.Uint64
	present atomic.Bool
	words   [6]atomic.Uint64
}

func (c *levelCell) store(l LevelSample) {
	v := c.version.Load()
	c.version.Store(v + 1)
	c.present.Store(true)
	c.words[0].Store(math.Float64bits(l.AveragePowerDb))
	c.words[1].Store(math.Float64bits(l.PeakPowerDb))
	c.words[2].Store(math.Float64bits(l.NormalizedAverage))
	c.words[3].Store(math.Float64bits(l.NormalizedPeak))
	c.words[4].Store(uint64(l.TimestampMs))
	c.words[5].Store(l.Seq)
	c.version.Store(v + 2)
}

func (c *levelCell) load() (LevelSample, bool) {
	for {
		v := c.version.Load()
		if v&1 == 1 {
			runtime.Gosched()
			continue
		}
		ok := c.present.Load()
		l := LevelSample{
			AveragePowerDb:    math.Float64frombits(c.words[0].Load()),
			PeakPowerDb:       math.Float64frombits(c.words[1].Load()),
			NormalizedAverage: math.Float64frombits(c.words[2].Load()),
			NormalizedPeak:    math.Float64frombits(c.words[3].Load()),
			TimestampMs:       int64(c.words[4].Load()),
			Seq:               c.words[5].Load(),
		}
		if c.version.Load() == v {
			if !ok {
				return LevelSample{}, false
			}
			return l, true
		}
	}
}

// reset empties the cell. It counts as a store.
func (c *levelCell) reset() {
	v := c.version.Load()
	c.version.Store(v + 1)
	c.present.Store(false)
	c.version.Store(v + 2)
}
