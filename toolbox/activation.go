package toolbox

import (
	"fmt"
	"strings"
)

type ActivationType int

const (
	None ActivationType = iota
	ReLU
	HardTanh
	HardSigmoid
)

var activationNames = map[ActivationType]string{
	None:        "none",
	ReLU:        "relu",
	HardTanh:    "hard_tanh",
	HardSigmoid: "hard_sigmoid",
}

func (t ActivationType) String() string {
	if name, ok := activationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ActivationType(%d)", int(t))
}

func (t ActivationType) Valid() bool {
	_, ok := activationNames[t]
	return ok
}

func ParseActivationType(s string) (ActivationType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range activationNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown activation %q", ErrInvalidConfig, s)
}

// Activate applies t to an accumulator value carrying f.Frac fractional bits.
// The accumulator may be wider than f.Width; the result is not saturated.
func Activate(t ActivationType, z int64, f Format) int64 {
	switch t {
	case None:
		return z
	case ReLU:
		return reluActivation(z)
	case HardTanh:
		return hardTanhActivation(z, f.Frac)
	case HardSigmoid:
		return hardSigmoidActivation(z, f.Frac)
	default:
		panic("unhandled activation function")
	}
}

func reluActivation(z int64) int64 {
	if z < 0 {
		return 0
	}
	return z
}

// hardTanhActivation clamps z to [-1.0, 1.0].
func hardTanhActivation(z int64, frac int) int64 {
	one := int64(1) << frac
	return min(max(z, -one), one)
}

// hardSigmoidActivation approximates 0.25*z + 0.5, clamped to [0.0, 1.0].  The
// quarter is an arithmetic shift, so negative inputs round toward negative
// infinity.
func hardSigmoidActivation(z int64, frac int) int64 {
	one := int64(1) << frac
	half := int64(1) << (frac - 1)
	return min(max(z>>2+half, 0), one)
}
