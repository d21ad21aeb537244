// Package window implements the fixed-time window aggregator attached to a
// ring buffer: rolling min/max/avg over closed, non-overlapping windows of
// configurable period.
package window

import "errors"

// ErrNotAvailable is returned by query functions when the requested closed
// window has not happened yet (spec §4.3, §8 property 5).
var ErrNotAvailable = errors.New("window: function data not available")

// Stats holds the closed-window aggregate plus an availability flag.
type Stats struct {
	Min       float64
	Max       float64
	Avg       float64
	Available bool
}

type accum struct {
	min, max, sum float64
	count         uint64
}

func (a *accum) reset() { *a = accum{} }

func (a *accum) fold(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.count++
}

func (a *accum) close() Stats {
	if a.count == 0 {
		return Stats{}
	}
	return Stats{Min: a.min, Max: a.max, Avg: a.sum / float64(a.count), Available: true}
}

// Aggregator tracks one fixed-time window. A zero PeriodMs means no window
// is created (spec §8 property 10); callers should not construct an
// Aggregator in that case and should surface ErrNotAvailable directly.
type Aggregator struct {
	PeriodMs     uint32
	windowStart  uint64
	haveStart    bool
	current      accum
	last         Stats
	prevLast     Stats
	nextCloseAt  uint64
}

// NewAggregator builds an aggregator for a period in milliseconds. Callers
// must not pass a zero period; the engine skips window creation entirely
// for such signal specs.
func NewAggregator(periodMs uint32) *Aggregator {
	return &Aggregator{PeriodMs: periodMs}
}

// NextCloseAt reports the next timestamp at which this window closes,
// letting the engine schedule cheap close checks across all windows.
func (a *Aggregator) NextCloseAt() (uint64, bool) {
	return a.nextCloseAt, a.haveStart
}

// Observe folds a new sample into the window, closing the current window
// first if ts has passed its end. Returns true if a close happened.
func (a *Aggregator) Observe(ts uint64, value float64) (closed bool) {
	if !a.haveStart {
		a.windowStart = ts - ts%uint64(a.PeriodMs)
		a.haveStart = true
		a.nextCloseAt = a.windowStart + uint64(a.PeriodMs)
	} else if ts >= a.windowStart+uint64(a.PeriodMs) {
		closed = a.closeAt(ts)
	}
	a.current.fold(value)
	return closed
}

// CloseElapsed closes the current window if its end has passed, even
// without a new sample — used by the engine's periodic close sweep.
func (a *Aggregator) CloseElapsed(now uint64) bool {
	if !a.haveStart || now < a.windowStart+uint64(a.PeriodMs) {
		return false
	}
	return a.closeAt(now)
}

// closeAt publishes the current accumulator as `last`, demotes the prior
// `last` to `prevLast`, and advances windowStart by whole multiples of the
// period so ts falls back inside an open window (handling gaps where no
// samples arrived for one or more full periods).
func (a *Aggregator) closeAt(ts uint64) bool {
	a.prevLast = a.last
	a.last = a.current.close()
	a.current.reset()

	elapsed := ts - a.windowStart
	periods := elapsed / uint64(a.PeriodMs)
	if periods == 0 {
		periods = 1
	}
	a.windowStart += periods * uint64(a.PeriodMs)
	a.nextCloseAt = a.windowStart + uint64(a.PeriodMs)
	return true
}

func (a *Aggregator) LastAvg() (float64, error) {
	if !a.last.Available {
		return 0, ErrNotAvailable
	}
	return a.last.Avg, nil
}

func (a *Aggregator) LastMin() (float64, error) {
	if !a.last.Available {
		return 0, ErrNotAvailable
	}
	return a.last.Min, nil
}

func (a *Aggregator) LastMax() (float64, error) {
	if !a.last.Available {
		return 0, ErrNotAvailable
	}
	return a.last.Max, nil
}

func (a *Aggregator) PrevLastAvg() (float64, error) {
	if !a.prevLast.Available {
		return 0, ErrNotAvailable
	}
	return a.prevLast.Avg, nil
}

func (a *Aggregator) PrevLastMin() (float64, error) {
	if !a.prevLast.Available {
		return 0, ErrNotAvailable
	}
	return a.prevLast.Min, nil
}

func (a *Aggregator) PrevLastMax() (float64, error) {
	if !a.prevLast.Available {
		return 0, ErrNotAvailable
	}
	return a.prevLast.Max, nil
}
