package delay

import (
	"errors"
	"math"
	"testing"
)

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

// --- construction and validation ---

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		channels int
		maxBlock int
	}{
		{"zero capacity", 0, 1, 16},
		{"negative capacity", -1, 1, 16},
		{"zero channels", 16, 0, 16},
		{"zero block", 16, 1, 0},
	}
	for _, tt := range tests {
		if _, err := New(tt.capacity, tt.channels, tt.maxBlock); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	d, err := New(16, 2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if d.Capacity() != 16 {
		t.Fatalf("Capacity: got %d want 16", d.Capacity())
	}
	if d.Mode() != Linear {
		t.Fatalf("default mode: got %v want linear", d.Mode())
	}
}

func TestParseInterpolation(t *testing.T) {
	if m, err := ParseInterpolation("hermite"); err != nil || m != Hermite {
		t.Fatalf("ParseInterpolation(hermite) = %v, %v", m, err)
	}
	if _, err := ParseInterpolation("sinc"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

// --- integer delay ---

func TestZeroOffsetPassesThrough(t *testing.T) {
	d, _ := New(32, 1, 4)
	in := []float32{1, 2, 3, 4}
	if err := d.Write(in); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 4)
	if err := d.Read(0, 0, out); err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestIntegerDelayAcrossBlocks(t *testing.T) {
	d, _ := New(32, 1, 4)
	out := make([]float32, 4)
	var got []float32
	for b := 0; b < 6; b++ {
		block := []float32{float32(b*4 + 1), float32(b*4 + 2), float32(b*4 + 3), float32(b*4 + 4)}
		if err := d.Write(block); err != nil {
			t.Fatal(err)
		}
		if err := d.Read(5, 0, out); err != nil {
			t.Fatal(err)
		}
		got = append(got, out...)
	}
	// ramp 1..24 delayed by 5 frames
	for n, v := range got {
		want := float32(n + 1 - 5)
		if want < 1 {
			want = 0
		}
		if v != want {
			t.Errorf("frame %d = %v, want %v", n, v, want)
		}
	}
}

func TestStereoChannelsStayInterleaved(t *testing.T) {
	d, _ := New(8, 2, 2)
	_ = d.Write([]float32{1, -1, 2, -2})
	_ = d.Write([]float32{3, -3, 4, -4})
	out := make([]float32, 4)
	if err := d.Read(1, 0, out); err != nil {
		t.Fatal(err)
	}
	want := []float32{2, -2, 3, -3}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

// --- fractional delay ---

func TestFractionalDelaySine(t *testing.T) {
	const (
		block = 64
		freq  = 0.01 // cycles per sample, well below Nyquist
	)
	for _, mode := range []Interpolation{Linear, Hermite} {
		for _, offset := range []int{0, 1, 7, 100, 255} {
			for _, frac := range []float64{0, 0.25, 0.5, 0.9} {
				d, _ := New(256, 1, block, WithInterpolation(mode))
				in := make([]float32, block)
				out := make([]float32, block)
				var worst float64
				for b := 0; b < 12; b++ {
					for i := range in {
						n := b*block + i
						in[i] = float32(math.Sin(2 * math.Pi * freq * float64(n)))
					}
					if err := d.Write(in); err != nil {
						t.Fatal(err)
					}
					if err := d.Read(offset, frac, out); err != nil {
						t.Fatal(err)
					}
					if b < 6 {
						continue // let the line fill
					}
					for i := range out {
						n := float64(b*block+i) - float64(offset) - frac
						want := math.Sin(2 * math.Pi * freq * n)
						if e := math.Abs(float64(out[i]) - want); e > worst {
							worst = e
						}
					}
				}
				bound := 0.01
				if mode == Hermite {
					bound = 0.001
				}
				if worst > bound {
					t.Errorf("%v offset=%d frac=%v: worst error %v > %v", mode, offset, frac, worst, bound)
				}
			}
		}
	}
}

func TestLinearRampIsExact(t *testing.T) {
	d, _ := New(32, 1, 32)
	ramp := make([]float32, 32)
	for i := range ramp {
		ramp[i] = float32(i)
	}
	_ = d.Write(ramp)
	out := make([]float32, 32)
	_ = d.Read(5, 0.5, out)
	if !approxEqual(float64(out[31]), 25.5, 1e-6) {
		t.Fatalf("Linear: got %v want 25.5", out[31])
	}
}

func TestFracAboveOneCarries(t *testing.T) {
	d, _ := New(32, 1, 8)
	_ = d.Write([]float32{0, 1, 2, 3, 4, 5, 6, 7})
	out := make([]float32, 8)
	_ = d.Read(1, 1.5, out)
	if !approxEqual(float64(out[7]), 4.5, 1e-6) {
		t.Fatalf("got %v want 4.5", out[7])
	}
}

// --- clamping ---

func TestOffsetBeyondCapacityClamps(t *testing.T) {
	d, _ := New(8, 1, 4)
	for b := 0; b < 5; b++ {
		_ = d.Write([]float32{float32(b*4 + 1), float32(b*4 + 2), float32(b*4 + 3), float32(b*4 + 4)})
	}
	out := make([]float32, 4)
	err := d.Read(50, 0.3, out)
	if !errors.Is(err, ErrDegradedAlignment) {
		t.Fatalf("err = %v, want ErrDegradedAlignment", err)
	}
	// clamped to capacity-1 = 7 whole frames; frames 17..20 delayed by 7
	want := []float32{10, 11, 12, 13}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestWriteRejectsOversizedBlock(t *testing.T) {
	d, _ := New(8, 1, 4)
	if err := d.Write(make([]float32, 5)); !errors.Is(err, ErrBlockTooLarge) {
		t.Fatalf("err = %v, want ErrBlockTooLarge", err)
	}
}

func TestReset(t *testing.T) {
	d, _ := New(8, 1, 4)
	_ = d.Write([]float32{1, 2, 3, 4})
	d.Reset()
	_ = d.Write([]float32{0, 0, 0, 0})
	out := make([]float32, 4)
	_ = d.Read(3, 0, out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("after reset out[%d] = %v, want 0", i, v)
		}
	}
}
