package audio

import (
	"math"
	"testing"
	"time"
)

// --- Constants ---

func TestBlockDuration(t *testing.T) {
	if got := BlockDuration(DefaultSampleRate, DefaultBlockSize); got != 10*time.Millisecond {
		t.Errorf("BlockDuration(48000, 480) = %v, want 10ms", got)
	}
	if got := BlockDuration(0, 480); got != 0 {
		t.Errorf("BlockDuration with zero rate = %v, want 0", got)
	}
}

func TestMsSampleConversion(t *testing.T) {
	if got := MsToSamples(7, 48000); got != 336 {
		t.Errorf("MsToSamples(7) = %v, want 336", got)
	}
	if got := SamplesToMs(336, 48000); math.Abs(got-7) > 1e-12 {
		t.Errorf("SamplesToMs(336) = %v, want 7", got)
	}
}

func TestBlockFrames(t *testing.T) {
	b := Block{Samples: make([]float32, 960), Channels: 2}
	if b.Frames() != 480 {
		t.Errorf("Frames = %d, want 480", b.Frames())
	}
}

// --- Smoothstep ---

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		got := Smoothstep(tt.input)
		if got != tt.want {
			t.Errorf("Smoothstep(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSmoothstepMonotonic(t *testing.T) {
	prev := 0.0
	for i := 1; i <= 100; i++ {
		x := float64(i) / 100.0
		val := Smoothstep(x)
		if val < prev {
			t.Errorf("Smoothstep not monotonic: f(%v)=%v < f(%v)=%v", x, val, float64(i-1)/100.0, prev)
		}
		prev = val
	}
}

func TestSmoothstepSymmetry(t *testing.T) {
	// f(0.5+d) + f(0.5-d) = 1
	for _, d := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		sum := Smoothstep(0.5+d) + Smoothstep(0.5-d)
		if diff := sum - 1.0; diff > 1e-10 || diff < -1e-10 {
			t.Errorf("Smoothstep symmetry broken at d=%v: sum=%v", d, sum)
		}
	}
}

// --- Curves ---

func TestCurveGainsSumToOne(t *testing.T) {
	for _, c := range []Curve{CurveSmoothstep, CurveLinear, CurveEqualPower} {
		for i := 0; i <= 20; i++ {
			p := float64(i) / 20
			out, in := c.Gains(p)
			if math.Abs(out+in-1) > 1e-12 {
				t.Errorf("%v: gains at %v sum to %v", c, p, out+in)
			}
		}
		if out, in := c.Gains(0); out != 1 || in != 0 {
			t.Errorf("%v: Gains(0) = (%v,%v), want (1,0)", c, out, in)
		}
		if out, in := c.Gains(1); math.Abs(out) > 1e-12 || math.Abs(in-1) > 1e-12 {
			t.Errorf("%v: Gains(1) = (%v,%v), want (0,1)", c, out, in)
		}
	}
}

func TestParseCurve(t *testing.T) {
	tests := []struct {
		name string
		want Curve
		err  bool
	}{
		{"", CurveSmoothstep, false},
		{"smoothstep", CurveSmoothstep, false},
		{"linear", CurveLinear, false},
		{"equal-power", CurveEqualPower, false},
		{"cosine", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCurve(tt.name)
		if (err != nil) != tt.err {
			t.Errorf("ParseCurve(%q) err = %v, want err %v", tt.name, err, tt.err)
			continue
		}
		if !tt.err && got != tt.want {
			t.Errorf("ParseCurve(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// --- CrossfadeInto ---

func TestCrossfadeIntoStartsOutgoing(t *testing.T) {
	out := []float32{0.5, -0.5, 0.5, -0.5, 0.5, -0.5, 0.5, -0.5}
	in := []float32{-0.25, 0.25, -0.25, 0.25, -0.25, 0.25, -0.25, 0.25}
	dst := make([]float32, len(out))
	CrossfadeInto(dst, out, in, 2, CurveLinear)
	if dst[0] != out[0] || dst[1] != out[1] {
		t.Errorf("first frame = (%v,%v), want outgoing (%v,%v)", dst[0], dst[1], out[0], out[1])
	}
	// Last frame is 3/4 of the way in with a linear curve.
	want := float32(0.5*0.25 + -0.25*0.75)
	if math.Abs(float64(dst[6]-want)) > 1e-6 {
		t.Errorf("last frame left = %v, want %v", dst[6], want)
	}
}

// --- PCM ---

func TestToInt16Clips(t *testing.T) {
	src := []float32{0, 1, -1, 2, -2, 0.5}
	dst := make([]int16, len(src))
	ToInt16(dst, src)
	want := []int16{0, 32767, -32767, 32767, -32768, 16383}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("ToInt16[%d] = %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestFloat32ToBytes(t *testing.T) {
	buf := make([]byte, 8)
	n := Float32ToBytes(buf, []float32{1, -2})
	if n != 8 {
		t.Fatalf("Float32ToBytes wrote %d bytes, want 8", n)
	}
	// 1.0 = 0x3f800000 little-endian
	if buf[0] != 0x00 || buf[1] != 0x00 || buf[2] != 0x80 || buf[3] != 0x3f {
		t.Errorf("1.0 encoded as % x", buf[:4])
	}
}

func TestPeak(t *testing.T) {
	if got := Peak([]float32{0.1, -0.7, 0.3}); math.Abs(got-0.7) > 1e-6 {
		t.Errorf("Peak = %v, want 0.7", got)
	}
}

func TestSamplesToBytes(t *testing.T) {
	got := SamplesToBytes([]int16{1, -1})
	want := []byte{0x01, 0x00, 0xff, 0xff}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}
