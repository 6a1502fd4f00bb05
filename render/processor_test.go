package render

import (
	"math"
	"testing"
)

func oneSampleBlock(p *Processor, in float32) float32 {
	out := [][]float32{{0}}
	p.Process([][]float32{{in}}, out)
	return out[0][0]
}

func TestAlphaAt48k(t *testing.T) {
	alpha := Alpha(48000)
	if math.Abs(alpha-0.000694) > 1e-5 {
		t.Fatalf("Alpha(48000) = %v, want ~0.000694", alpha)
	}
}

func TestAlphaInvalidRateFallsBack(t *testing.T) {
	if Alpha(0) != Alpha(48000) {
		t.Fatalf("Alpha(0) should fall back to the 48k default")
	}
	if Alpha(-1) != Alpha(48000) {
		t.Fatalf("Alpha(-1) should fall back to the 48k default")
	}
}

func TestRampConvergesMonotonically(t *testing.T) {
	alpha := Alpha(48000)
	cases := []struct {
		start, target float64
	}{
		{0, 1},
		{1, 0},
		{1, 0.5},
		{0.2, 0.9},
		{0.9, 0.2},
	}
	// Worst-case bound for |err| < 0.001 from a full-scale step.
	bound := int(math.Ceil(math.Log(0.001) / math.Log(1-alpha)))

	for _, tc := range cases {
		p := NewProcessor(ModeDirect, 0, alpha, tc.start)
		p.SetTargetGain(tc.target)

		prev := math.Abs(p.CurrentGain() - tc.target)
		converged := false
		for i := 0; i < bound; i++ {
			oneSampleBlock(p, 1)
			err := math.Abs(p.CurrentGain() - tc.target)
			if err > prev {
				t.Fatalf("start %v target %v: error grew from %v to %v at step %d",
					tc.start, tc.target, prev, err, i)
			}
			prev = err
			if err < 0.001 {
				converged = true
				break
			}
		}
		if !converged {
			t.Fatalf("start %v target %v: not within 0.001 after %d updates (err %v)",
				tc.start, tc.target, bound, prev)
		}
	}
}

func TestHalfVolumeScenario(t *testing.T) {
	// 48kHz, tau=30ms, full volume down to 50%.
	alpha := Alpha(48000)
	p := NewProcessor(ModeDirect, 0, alpha, 1.0)
	p.SetTargetGain(0.5)

	// One time constant is 1440 samples; after ~1000 updates the gain has
	// covered roughly half the distance.
	for i := 0; i < 1000; i++ {
		oneSampleBlock(p, 1)
	}
	if g := p.CurrentGain(); g >= 1.0 || g <= 0.5 {
		t.Fatalf("after 1000 updates gain = %v, want strictly between 0.5 and 1.0", g)
	}

	// ln(100) time constants bring it within 1% of target.
	for i := 0; i < 6700-1000; i++ {
		oneSampleBlock(p, 1)
	}
	if g := p.CurrentGain(); math.Abs(g-0.5) > 0.005 {
		t.Fatalf("gain = %v, want within 1%% of 0.5", g)
	}
}

func TestUnityPassthroughIsExact(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 1.0)

	in := [][]float32{{0.1, -0.25, 0.999, 1.0 / 3.0, -1e-7}}
	out := [][]float32{make([]float32, 5)}
	p.Process(in, out)

	for i := range in[0] {
		if out[0][i] != in[0][i] {
			t.Fatalf("sample %d: got %v, want bit-exact %v", i, out[0][i], in[0][i])
		}
	}
	if p.CurrentGain() != 1.0 {
		t.Fatalf("unity fast path must not disturb the ramp state, gain = %v", p.CurrentGain())
	}
}

func TestSilenceConvergence(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 1.0)
	p.SetTargetGain(0)

	block := make([]float32, 480)
	for i := range block {
		block[i] = 0.9
	}
	out := [][]float32{make([]float32, 480)}

	// ~1 second of blocks, far beyond the 30ms time constant.
	for i := 0; i < 100; i++ {
		p.Process([][]float32{block}, out)
	}
	for i, s := range out[0] {
		if math.Abs(float64(s)) > 1e-3 {
			t.Fatalf("sample %d still audible after ramp to zero: %v", i, s)
		}
	}
}

func TestZeroFillMissingInput(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 1.0)

	stale := []float32{7, 7, 7, 7}
	out := [][]float32{{1, 2, 3, 4}, stale}
	p.Process([][]float32{{0.5, 0.5, 0.5, 0.5}}, out)

	for i, s := range stale {
		if s != 0 {
			t.Fatalf("unmapped output sample %d not zeroed: %v", i, s)
		}
	}
}

func TestZeroFillShortInput(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 1.0)

	out := [][]float32{{9, 9, 9, 9}}
	p.Process([][]float32{{0.5, 0.5}}, out)

	if out[0][0] != 0.5 || out[0][1] != 0.5 {
		t.Fatalf("mapped samples wrong: %v", out[0])
	}
	if out[0][2] != 0 || out[0][3] != 0 {
		t.Fatalf("tail beyond input not zeroed: %v", out[0])
	}
}

func TestStackedRouting(t *testing.T) {
	// Two physical input streams ahead of the tap's streams.
	p := NewProcessor(ModeStacked, 2, Alpha(48000), 1.0)

	in := [][]float32{
		{0.1, 0.1}, // physical, must be ignored
		{0.2, 0.2}, // physical, must be ignored
		{0.7, 0.7}, // tap left
		{0.8, 0.8}, // tap right
	}
	out := [][]float32{{9, 9}, {9, 9}, {9, 9}}
	p.Process(in, out)

	if out[0][0] != 0.7 || out[1][0] != 0.8 {
		t.Fatalf("stacked routing wrong: %v %v", out[0], out[1])
	}
	// Output 2 maps to input index 4, which does not exist.
	if out[2][0] != 0 || out[2][1] != 0 {
		t.Fatalf("out-of-range stacked output not zeroed: %v", out[2])
	}
}

func TestDiagnostics(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 0.5)

	if p.BlockCount() != 0 || p.PeakLevel() != 0 {
		t.Fatalf("fresh processor should report zero diagnostics")
	}
	if !p.LastRender().IsZero() {
		t.Fatalf("fresh processor should have no render timestamp")
	}

	out := [][]float32{make([]float32, 3)}
	p.Process([][]float32{{0.25, -0.75, 0.5}}, out)
	p.Process([][]float32{{0.1, -0.2, 0.15}}, out)

	if p.BlockCount() != 2 {
		t.Fatalf("block count = %d, want 2", p.BlockCount())
	}
	// Peak is the last block's maximum, not a running max.
	if math.Abs(p.PeakLevel()-0.2) > 1e-6 {
		t.Fatalf("peak = %v, want 0.2 from the most recent block", p.PeakLevel())
	}
	if p.LastRender().IsZero() {
		t.Fatalf("render timestamp not stamped")
	}
}

func TestSetTargetGainClamps(t *testing.T) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 0.5)
	p.SetTargetGain(1.7)
	if p.TargetGain() != 1 {
		t.Fatalf("target not clamped high: %v", p.TargetGain())
	}
	p.SetTargetGain(-0.3)
	if p.TargetGain() != 0 {
		t.Fatalf("target not clamped low: %v", p.TargetGain())
	}
}

func TestChannelsRampIdentically(t *testing.T) {
	alpha := Alpha(48000)
	stereo := NewProcessor(ModeDirect, 0, alpha, 0)
	stereo.SetTargetGain(1)
	mono := NewProcessor(ModeDirect, 0, alpha, 0)
	mono.SetTargetGain(1)

	const frames = 64
	src := make([]float32, frames)
	for i := range src {
		src[i] = 0.5
	}

	for block := 0; block < 4; block++ {
		outL := make([]float32, frames)
		outR := make([]float32, frames)
		stereo.Process([][]float32{src, src}, [][]float32{outL, outR})

		outM := make([]float32, frames)
		mono.Process([][]float32{src}, [][]float32{outM})

		for i := 0; i < frames; i++ {
			if outL[i] != outR[i] {
				t.Fatalf("block %d sample %d: left %v != right %v", block, i, outL[i], outR[i])
			}
			// The ramp speed must not depend on the channel count.
			if outL[i] != outM[i] {
				t.Fatalf("block %d sample %d: stereo %v != mono %v", block, i, outL[i], outM[i])
			}
		}
		if stereo.CurrentGain() != mono.CurrentGain() {
			t.Fatalf("block %d: stereo gain %v != mono gain %v", block, stereo.CurrentGain(), mono.CurrentGain())
		}
	}
}

func BenchmarkProcessStereo(b *testing.B) {
	p := NewProcessor(ModeDirect, 0, Alpha(48000), 0.8)
	p.SetTargetGain(0.3)

	in := [][]float32{make([]float32, 512), make([]float32, 512)}
	out := [][]float32{make([]float32, 512), make([]float32, 512)}
	for i := 0; i < 512; i++ {
		in[0][i] = float32(math.Sin(float64(i) / 17))
		in[1][i] = float32(math.Cos(float64(i) / 23))
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Process(in, out)
	}
}
