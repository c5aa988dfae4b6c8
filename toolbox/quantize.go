package toolbox

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// ToFixed converts a real number to format f.  Values are rounded to the
// nearest representable step, with halves rounded away from zero, and then
// saturated.  NaN converts to 0.
func ToFixed[T constraints.Float](v T, f Format) int64 {
	x := float64(v)
	if math.IsNaN(x) {
		return 0
	}
	x = math.Round(math.Ldexp(x, f.Frac))
	// Clamp before converting; float64 to int64 conversion of an out of range
	// value is implementation defined.
	if x >= float64(f.Max()) {
		return f.Max()
	}
	if x <= float64(f.Min()) {
		return f.Min()
	}
	return int64(x)
}

// IntToFixed converts an integer to format f exactly, saturating if v << Frac
// does not fit.
func IntToFixed[T constraints.Integer](v T, f Format) int64 {
	// Compare before shifting so that large inputs cannot overflow.
	limHi := f.Max() >> f.Frac
	limLo := f.Min() >> f.Frac
	if v > 0 && uint64(v) > uint64(limHi) {
		return f.Max()
	}
	if v < 0 && int64(v) < limLo {
		return f.Min()
	}
	return int64(v) << f.Frac
}

func ToFixedVector[T constraints.Float](vs []T, f Format) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = ToFixed(v, f)
	}
	return out
}

// ToFixedMatrix quantizes row by row.  Rows are not required to have equal
// lengths.
func ToFixedMatrix[T constraints.Float](vs [][]T, f Format) [][]int64 {
	out := make([][]int64, len(vs))
	for i, row := range vs {
		out[i] = ToFixedVector(row, f)
	}
	return out
}

// Quantize packs row-major real values into a tensor of the given shape.
func Quantize[T constraints.Float](vs []T, f Format, shape ...int) (*AFix, error) {
	size := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: invalid shape %v", ErrShapeMismatch, shape)
		}
		size *= s
	}
	if size != len(vs) {
		return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrShapeMismatch, len(vs), shape)
	}

	a := MakeAFix(f, shape...)
	for i, v := range vs {
		a.V[i] = ToFixed(v, f)
	}
	return a, nil
}

// PackMatrix copies rows into a 2-d tensor.  It panics if the rows are ragged.
func PackMatrix(rows [][]int64, f Format) *AFix {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("cannot pack an empty matrix")
	}
	a := MakeAFix(f, len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != a.Shape[1] {
			panic(fmt.Sprintf("ragged matrix: row %d has %d columns, want %d", i, len(row), a.Shape[1]))
		}
		copy(a.Row(i), row)
	}
	return a
}

func PackVector(v []int64, f Format) *AFix {
	a := MakeAFix(f, len(v))
	copy(a.V, v)
	return a
}
