// Package render implements the realtime block callback for a tap session:
// ramped gain, channel routing and the lock-free diagnostics the control
// plane reads. Everything on the block path is allocation- and lock-free.
package render

import (
	"math"
	"sync/atomic"
	"time"
)

// RampTimeConstant is the exponential gain-ramp time constant in seconds.
// ~30ms keeps volume changes inaudible as discrete steps.
const RampTimeConstant = 0.03

// unityThreshold is the gain above which the processor switches to exact
// sample copying instead of multiplication.
const unityThreshold = 0.999

// Alpha derives the per-sample ramp coefficient for a sample rate:
// alpha = 1 - exp(-1/(rate*tau)).
func Alpha(sampleRate float64) float64 {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return 1 - math.Exp(-1/(sampleRate*RampTimeConstant))
}

// Mode selects how output buffers map back to input buffers.
type Mode int

const (
	// ModeDirect maps output buffer o to input buffer o.
	ModeDirect Mode = iota
	// ModeStacked maps output buffer o to input buffer o+offset, skipping
	// the physical device's own streams at the front of the input list.
	ModeStacked
)

func (m Mode) String() string {
	if m == ModeStacked {
		return "stacked"
	}
	return "direct"
}

// Processor is the per-session realtime state. The routing parameters and
// alpha are immutable after construction. targetGain is written by the
// control plane and read here; currentGain and the diagnostics are owned by
// the realtime context. Nothing else is shared, so no locking is needed.
type Processor struct {
	mode   Mode
	offset int
	alpha  float64

	target atomic.Uint64 // float64 bits, control-plane writer

	currentGain float64 // realtime-owned, seeded once at construction

	blocks     atomic.Uint64
	peak       atomic.Uint64 // float64 bits, last-block peak magnitude
	lastRender atomic.Int64  // unix nanos of the most recent callback
}

// NewProcessor builds a processor for one session. initialGain seeds both
// the target and the ramp state so a fresh session starts at the caller's
// desired volume without an audible sweep.
func NewProcessor(mode Mode, stackedOffset int, alpha float64, initialGain float64) *Processor {
	p := &Processor{
		mode:        mode,
		offset:      stackedOffset,
		alpha:       alpha,
		currentGain: clampGain(initialGain),
	}
	p.target.Store(math.Float64bits(clampGain(initialGain)))
	return p
}

// SetTargetGain updates the gain the ramp converges toward. Safe to call
// from any goroutine; audible effect follows within the ramp time constant.
func (p *Processor) SetTargetGain(g float64) {
	p.target.Store(math.Float64bits(clampGain(g)))
}

// TargetGain returns the current ramp target.
func (p *Processor) TargetGain() float64 {
	return math.Float64frombits(p.target.Load())
}

// CurrentGain returns the ramp state. Only meaningful when no callback is
// concurrently running (tests, or after the IOProc is stopped).
func (p *Processor) CurrentGain() float64 {
	return p.currentGain
}

// Mode returns the routing mode.
func (p *Processor) Mode() Mode { return p.mode }

// StackedOffset returns the input-buffer offset used in stacked mode.
func (p *Processor) StackedOffset() int { return p.offset }

// Alpha returns the ramp coefficient.
func (p *Processor) Alpha() float64 { return p.alpha }

// BlockCount returns the number of blocks rendered so far.
func (p *Processor) BlockCount() uint64 { return p.blocks.Load() }

// PeakLevel returns the peak input magnitude of the most recent block.
func (p *Processor) PeakLevel() float64 {
	return math.Float64frombits(p.peak.Load())
}

// LastRender returns the wall-clock time of the most recent callback, or the
// zero time if the callback has never run.
func (p *Processor) LastRender() time.Time {
	ns := p.lastRender.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Process renders one block. Buffers are channel-major; output buffers with
// no corresponding input are filled with silence, never left stale.
func (p *Processor) Process(in, out [][]float32) {
	target := math.Float64frombits(p.target.Load())
	entry := p.currentGain
	unity := target >= unityThreshold && entry >= unityThreshold

	var peak float64
	advanced := false
	for o := range out {
		dst := out[o]
		src := p.sourceFor(in, o)
		if len(src) == 0 {
			zero(dst)
			continue
		}
		n := len(dst)
		if len(src) < n {
			zero(dst[len(src):])
			n = len(src)
		}
		if unity {
			// Exact passthrough at unity keeps the output bit-identical
			// to the input and free of float accumulation drift.
			copy(dst[:n], src[:n])
			for i := 0; i < n; i++ {
				if m := math.Abs(float64(src[i])); m > peak {
					peak = m
				}
			}
			continue
		}
		// Every channel ramps from the block-entry gain; a stereo pair must
		// carry identical gains sample for sample. The first ramped channel
		// advances the carried state for the next block.
		g := entry
		for i := 0; i < n; i++ {
			g += (target - g) * p.alpha
			s := src[i]
			dst[i] = s * float32(g)
			if m := math.Abs(float64(s)); m > peak {
				peak = m
			}
		}
		if !advanced {
			p.currentGain = g
			advanced = true
		}
	}

	p.peak.Store(math.Float64bits(peak))
	p.blocks.Add(1)
	p.lastRender.Store(time.Now().UnixNano())
}

// sourceFor resolves the input buffer feeding output index o, or nil when
// the routing points past the supplied inputs.
func (p *Processor) sourceFor(in [][]float32, o int) []float32 {
	idx := o
	if p.mode == ModeStacked {
		idx = o + p.offset
	}
	if idx < 0 || idx >= len(in) {
		return nil
	}
	return in[idx]
}

func zero(b []float32) {
	for i := range b {
		b[i] = 0
	}
}

func clampGain(g float64) float64 {
	switch {
	case g < 0:
		return 0
	case g > 1:
		return 1
	}
	return g
}
