package toolbox

import (
	"errors"
	"testing"
)

func TestReluActivation(t *testing.T) {
	for _, c := range []struct {
		in, out int64
	}{
		{0, 0},
		{56, 56},
		{-16, 0},
		{1 << 40, 1 << 40},
		{-1 << 40, 0},
	} {
		if got := reluActivation(c.in); got != c.out {
			t.Errorf("relu(%d) = %d, want %d", c.in, got, c.out)
		}
	}
}

func TestHardTanhActivation(t *testing.T) {
	for _, c := range []struct {
		in, out int64
	}{
		{0, 0},
		{32, 32},
		{64, 64},
		{65, 64},
		{504, 64},
		{-64, -64},
		{-65, -64},
		{-504, -64},
	} {
		if got := hardTanhActivation(c.in, 6); got != c.out {
			t.Errorf("hardTanh(%d) = %d, want %d", c.in, got, c.out)
		}
	}
}

func TestHardSigmoidActivation(t *testing.T) {
	for _, c := range []struct {
		in, out int64
	}{
		{0, 32},    // 0.5
		{64, 48},   // 0.25*1 + 0.5
		{-64, 16},  // -0.25 + 0.5
		{128, 64},  // 1.0 exactly
		{1000, 64}, // clamped
		{-128, 0},  // 0.0 exactly
		{-1000, 0}, // clamped
		{-1, 31},   // -1 >> 2 == -1
		{-4, 31},   // -4 >> 2 == -1
		{-5, 30},   // rounds toward negative infinity
		{3, 32},    // 3 >> 2 == 0
	} {
		if got := hardSigmoidActivation(c.in, 6); got != c.out {
			t.Errorf("hardSigmoid(%d) = %d, want %d", c.in, got, c.out)
		}
	}
}

func TestActivationRanges(t *testing.T) {
	for _, frac := range []int{1, 4, 6, 15} {
		one := int64(1) << frac
		for z := int64(-5000); z <= 5000; z += 7 {
			if got := hardTanhActivation(z, frac); got < -one || got > one {
				t.Errorf("hardTanh(%d, %d) = %d, outside [%d, %d]", z, frac, got, -one, one)
			}
			if got := hardSigmoidActivation(z, frac); got < 0 || got > one {
				t.Errorf("hardSigmoid(%d, %d) = %d, outside [0, %d]", z, frac, got, one)
			}
			if got := reluActivation(z); got < 0 {
				t.Errorf("relu(%d) = %d, want >= 0", z, got)
			}
		}
	}
}

func TestActivateDispatch(t *testing.T) {
	f := Format{Width: 8, Frac: 6}
	for _, c := range []struct {
		act ActivationType
		in  int64
		out int64
	}{
		{None, -352, -352},
		{ReLU, -16, 0},
		{HardTanh, 504, 64},
		{HardSigmoid, 0, 32},
	} {
		if got := Activate(c.act, c.in, f); got != c.out {
			t.Errorf("Activate(%v, %d) = %d, want %d", c.act, c.in, got, c.out)
		}
	}
}

func TestParseActivationType(t *testing.T) {
	for _, act := range []ActivationType{None, ReLU, HardTanh, HardSigmoid} {
		got, err := ParseActivationType(act.String())
		if err != nil {
			t.Fatalf("ParseActivationType(%q): %v", act.String(), err)
		}
		if got != act {
			t.Errorf("ParseActivationType(%q) = %v, want %v", act.String(), got, act)
		}
	}

	if got, err := ParseActivationType(" ReLU "); err != nil || got != ReLU {
		t.Errorf("ParseActivationType(\" ReLU \") = %v, %v; want relu", got, err)
	}
	if _, err := ParseActivationType("tanh"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ParseActivationType(\"tanh\") err = %v, want ErrInvalidConfig", err)
	}
	if ActivationType(17).Valid() {
		t.Errorf("ActivationType(17).Valid() = true")
	}
}
