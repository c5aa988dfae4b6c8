package toolbox

import (
	"errors"
	"fmt"
	"slices"

	"github.com/chewxy/math32"
)

// MaxWidth is the widest fixed-point value a Format can describe.  Keeping it
// at 32 bits means the product of any two values fits in an int64.
const MaxWidth = 32

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrFormatMismatch = errors.New("format mismatch")
	ErrOutOfRange     = errors.New("value out of range")
)

// Format is a signed fixed-point (Q) format.  A raw value r of this format
// represents the real number r / 2^Frac and always lies in [Min(), Max()].
type Format struct {
	Width int // Total bits, including the sign bit.
	Frac  int // Fractional bits.
}

func MakeFormat(width, frac int) (Format, error) {
	f := Format{Width: width, Frac: frac}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

func (f Format) Validate() error {
	if f.Width <= 1 || f.Width > MaxWidth {
		return fmt.Errorf("%w: width %d not in [2, %d]", ErrInvalidConfig, f.Width, MaxWidth)
	}
	if f.Frac < 1 || f.Frac >= f.Width {
		return fmt.Errorf("%w: fractional bits %d not in [1, %d]", ErrInvalidConfig, f.Frac, f.Width-1)
	}
	return nil
}

// ParseFormat parses the Q notation produced by Format.String, e.g. "Q1.6"
// for an 8 bit value with 6 fractional bits.
func ParseFormat(s string) (Format, error) {
	var intBits, frac int
	if _, err := fmt.Sscanf(s, "Q%d.%d", &intBits, &frac); err != nil {
		return Format{}, fmt.Errorf("while parsing format %q: %w", s, err)
	}
	f, err := MakeFormat(intBits+frac+1, frac)
	if err != nil {
		return Format{}, err
	}
	if f.String() != s {
		return Format{}, fmt.Errorf("%w: format %q is not of the form %q", ErrInvalidConfig, s, f.String())
	}
	return f, nil
}

func (f Format) String() string {
	return fmt.Sprintf("Q%d.%d", f.Width-1-f.Frac, f.Frac)
}

func (f Format) Min() int64 {
	return -(int64(1) << (f.Width - 1))
}

func (f Format) Max() int64 {
	return int64(1)<<(f.Width-1) - 1
}

// One is the raw encoding of 1.0.
func (f Format) One() int64 {
	return int64(1) << f.Frac
}

func (f Format) Contains(raw int64) bool {
	return raw >= f.Min() && raw <= f.Max()
}

// Saturate clamps v into the representable range of f.
func (f Format) Saturate(v int64) int64 {
	return min(max(v, f.Min()), f.Max())
}

// Rescale brings the full-precision product of two values of format f back to
// Frac fractional bits.  The arithmetic shift truncates toward negative
// infinity.
func (f Format) Rescale(product int64) int64 {
	return product >> f.Frac
}

// Fixed is a single fixed-point value tagged with its format.
type Fixed struct {
	Raw    int64
	Format Format
}

func (x Fixed) Float64() float64 {
	return FromFixed(x.Raw, x.Format)
}

func (x Fixed) Float32() float32 {
	return FromFixed32(x.Raw, x.Format)
}

func (x Fixed) String() string {
	return fmt.Sprintf("%d(%g %v)", x.Raw, x.Float64(), x.Format)
}

// FromFixed converts a raw value back to a real number.  Only used for
// diagnostics; nothing on the evaluation path goes through floating point.
func FromFixed(raw int64, f Format) float64 {
	return float64(raw) / float64(f.One())
}

func FromFixed32(raw int64, f Format) float32 {
	return math32.Ldexp(float32(raw), -f.Frac)
}

// AFix is a dense row-major tensor of raw fixed-point values that all share
// one Format.
type AFix struct {
	V      []int64
	Shape  []int
	Format Format
}

func MakeAFix(f Format, shape ...int) *AFix {
	for _, s := range shape {
		if s <= 0 {
			panic(fmt.Sprintf("invalid shape: %v", shape))
		}
	}
	size := 1
	for _, s := range shape {
		size *= s
	}

	return &AFix{
		V:      make([]int64, size),
		Shape:  shape,
		Format: f,
	}
}

func (a *AFix) At1(idx int) int64 {
	return a.V[idx]
}

func (a *AFix) At2(idx0, idx1 int) int64 {
	if len(a.Shape) != 2 {
		panic("At2() invalid for len(shape) != 2")
	}
	return a.V[idx0*a.Shape[1]+idx1]
}

func (a *AFix) Set1(idx int, v int64) {
	a.V[idx] = v
}

func (a *AFix) Set2(idx0, idx1 int, v int64) {
	if len(a.Shape) != 2 {
		panic("Set2() invalid for len(shape) != 2")
	}
	a.V[idx0*a.Shape[1]+idx1] = v
}

// Row returns the storage of row idx of a 2-d tensor.  The slice aliases a.V.
func (a *AFix) Row(idx int) []int64 {
	if len(a.Shape) != 2 {
		panic("Row() invalid for len(shape) != 2")
	}
	n := a.Shape[1]
	return a.V[idx*n : idx*n+n]
}

// Floats returns the real value of every element, for diagnostics.
func (a *AFix) Floats() []float64 {
	out := make([]float64, len(a.V))
	for i, v := range a.V {
		out[i] = FromFixed(v, a.Format)
	}
	return out
}

// checkRange reports the first element of a that does not fit its format.
func (a *AFix) checkRange() error {
	for i, v := range a.V {
		if !a.Format.Contains(v) {
			return fmt.Errorf("%w: element %d = %d does not fit %v", ErrOutOfRange, i, v, a.Format)
		}
	}
	return nil
}

func (a *AFix) checkShape(name string, f Format, shape ...int) error {
	if !slices.Equal(a.Shape, shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, a.Shape, shape)
	}
	if a.Format != f {
		return fmt.Errorf("%w: %s has format %v, want %v", ErrFormatMismatch, name, a.Format, f)
	}
	return nil
}
