package toolbox

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Layer is the configuration of a fixed-point dense layer.  It carries no
// parameters and no state; weights and biases are supplied to each evaluation.
type Layer struct {
	Activation ActivationType
	Format     Format

	InputSize  int
	OutputSize int
}

// MakeDense validates a layer configuration.  Besides the obvious checks it
// rejects configurations where the sum of inputSize worst-case products could
// wrap the accumulator.
func MakeDense(activation ActivationType, inputSize, outputSize int, format Format) (*Layer, error) {
	if inputSize <= 0 {
		return nil, fmt.Errorf("%w: input size %d", ErrInvalidConfig, inputSize)
	}
	if outputSize <= 0 {
		return nil, fmt.Errorf("%w: output size %d", ErrInvalidConfig, outputSize)
	}
	if !activation.Valid() {
		return nil, fmt.Errorf("%w: unknown activation %v", ErrInvalidConfig, activation)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	// |in * w| <= 2^(2W-2), so each rescaled product lies in [-2^k, 2^k] with
	// k = 2W-2-F.  The worst case inputSize*2^k + Max() must not wrap.
	k := 2*format.Width - 2 - format.Frac
	maxInputs := (uint64(1)<<63 - uint64(1)<<(format.Width-1)) >> k
	if uint64(inputSize) > maxInputs {
		return nil, fmt.Errorf("%w: %d inputs of %v could overflow the accumulator (at most %d)", ErrInvalidConfig, inputSize, format, maxInputs)
	}

	return &Layer{
		Activation: activation,
		Format:     format,
		InputSize:  inputSize,
		OutputSize: outputSize,
	}, nil
}

func (lay *Layer) String() string {
	return fmt.Sprintf("Dense(%d->%d, %v, %v)", lay.InputSize, lay.OutputSize, lay.Activation, lay.Format)
}

// Evaluate runs the layer on a single input vector.  weights has one row of
// InputSize values per output neuron.
func (lay *Layer) Evaluate(input []int64, weights [][]int64, biases []int64) ([]int64, error) {
	if len(input) != lay.InputSize {
		return nil, fmt.Errorf("%w: len(input) = %d, want %d", ErrShapeMismatch, len(input), lay.InputSize)
	}
	if len(weights) != lay.OutputSize {
		return nil, fmt.Errorf("%w: weights have %d rows, want %d", ErrShapeMismatch, len(weights), lay.OutputSize)
	}
	for i, row := range weights {
		if len(row) != lay.InputSize {
			return nil, fmt.Errorf("%w: weight row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), lay.InputSize)
		}
	}
	if len(biases) != lay.OutputSize {
		return nil, fmt.Errorf("%w: len(biases) = %d, want %d", ErrShapeMismatch, len(biases), lay.OutputSize)
	}

	x := MakeAFix(lay.Format, 1, lay.InputSize)
	copy(x.V, input)
	a := MakeAFix(lay.Format, 1, lay.OutputSize)
	if err := lay.Apply(x, PackMatrix(weights, lay.Format), PackVector(biases, lay.Format), a, 1); err != nil {
		return nil, err
	}
	return a.V, nil
}

// Apply the layer in the forward direction.
//
// x (input) is the layer input.  Shape (batchSize, lay.InputSize)
// w (input) is the weight matrix.  Shape (lay.OutputSize, lay.InputSize)
// b (input) is the bias vector.  Shape (lay.OutputSize)
// a (output) is the layer's saturated output.  Shape (batchSize, lay.OutputSize)
//
// Output neurons are split into up to threads contiguous chunks that are
// computed concurrently.  All tensors must share lay.Format, and every input
// element must already fit it.
func (lay *Layer) Apply(x, w, b, a *AFix, threads int) error {
	if len(x.Shape) != 2 {
		return fmt.Errorf("%w: x has shape %v, want (batchSize, %d)", ErrShapeMismatch, x.Shape, lay.InputSize)
	}
	batchSize := x.Shape[0]
	inputSize := lay.InputSize
	outputSize := lay.OutputSize

	if err := x.checkShape("x", lay.Format, batchSize, inputSize); err != nil {
		return err
	}
	if err := w.checkShape("w", lay.Format, outputSize, inputSize); err != nil {
		return err
	}
	if err := b.checkShape("b", lay.Format, outputSize); err != nil {
		return err
	}
	if err := a.checkShape("a", lay.Format, batchSize, outputSize); err != nil {
		return err
	}
	for _, t := range []*AFix{x, w, b} {
		if err := t.checkRange(); err != nil {
			return err
		}
	}

	threads = max(1, min(threads, outputSize))
	if threads == 1 {
		lay.applyRange(x, w, b, a, 0, outputSize)
		return nil
	}

	var g errgroup.Group
	chunkSize := (outputSize + threads - 1) / threads
	for start := 0; start < outputSize; start += chunkSize {
		end := min(start+chunkSize, outputSize)
		g.Go(func() error {
			lay.applyRange(x, w, b, a, start, end)
			return nil
		})
	}
	return g.Wait()
}

// applyRange computes output neurons [iStart, iEnd) for every sample.  It is
// equivalent to
//
//	for k := 0; k < batchSize; k++ {
//		for i := iStart; i < iEnd; i++ {
//			var z int64
//			for j := 0; j < inputSize; j++ {
//				z += (x.At2(k, j) * w.At2(i, j)) >> F
//			}
//			z += b.At1(i)
//			a.Set2(k, i, saturate(activate(z)))
//		}
//	}
func (lay *Layer) applyRange(x, w, b, a *AFix, iStart, iEnd int) {
	batchSize := x.Shape[0]
	for k := 0; k < batchSize; k++ {
		xk := x.Row(k)
		for i := iStart; i < iEnd; i++ {
			z := macRow(xk, w.Row(i), lay.Format) + b.At1(i)
			a.Set2(k, i, lay.Format.Saturate(Activate(lay.Activation, z, lay.Format)))
		}
	}
}

// macRow is the rescaled dot product of one input row and one weight row.
// Each product is rescaled before it is summed, and the sum is not saturated.
func macRow(x, w []int64, f Format) int64 {
	w = w[:len(x)]
	var z int64
	for j := range x {
		z += f.Rescale(x[j] * w[j])
	}
	return z
}
