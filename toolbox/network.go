package toolbox

import (
	"fmt"
)

// DenseParams holds the weights and biases for one Layer.
type DenseParams struct {
	W *AFix // Shape (OutputSize, InputSize)
	B *AFix // Shape (OutputSize)
}

// Network chains layers: the output of Layers[l] is the input of Layers[l+1].
type Network struct {
	Layers []*Layer
	Params []*DenseParams
}

func weightKey(l int) string { return fmt.Sprintf("net.%d.weights", l) }
func biasKey(l int) string   { return fmt.Sprintf("net.%d.biases", l) }

// Validate checks that adjacent layers agree on size and format, and that
// every layer has parameters of the right shape.
func (net *Network) Validate() error {
	if len(net.Layers) == 0 {
		return fmt.Errorf("%w: network has no layers", ErrInvalidConfig)
	}
	if len(net.Params) != len(net.Layers) {
		return fmt.Errorf("%w: %d layers but %d parameter sets", ErrInvalidConfig, len(net.Layers), len(net.Params))
	}
	for l, lay := range net.Layers {
		if l > 0 {
			prev := net.Layers[l-1]
			if prev.OutputSize != lay.InputSize {
				return fmt.Errorf("%w: layer %d outputs %d values but layer %d takes %d", ErrShapeMismatch, l-1, prev.OutputSize, l, lay.InputSize)
			}
			if prev.Format != lay.Format {
				return fmt.Errorf("%w: layer %d is %v but layer %d is %v", ErrFormatMismatch, l-1, prev.Format, l, lay.Format)
			}
		}
		p := net.Params[l]
		if p == nil || p.W == nil || p.B == nil {
			return fmt.Errorf("%w: layer %d has no parameters", ErrInvalidConfig, l)
		}
		if err := p.W.checkShape(weightKey(l), lay.Format, lay.OutputSize, lay.InputSize); err != nil {
			return err
		}
		if err := p.B.checkShape(biasKey(l), lay.Format, lay.OutputSize); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs every layer in order.
//
// x is the input.  Shape (batchSize, Layers[0].InputSize)
func (net *Network) Apply(x *AFix, threads int) (*AFix, error) {
	if err := net.Validate(); err != nil {
		return nil, err
	}
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("%w: input has shape %v", ErrShapeMismatch, x.Shape)
	}
	batchSize := x.Shape[0]

	a0 := x
	for l, lay := range net.Layers {
		a1 := MakeAFix(lay.Format, batchSize, lay.OutputSize)
		if err := lay.Apply(a0, net.Params[l].W, net.Params[l].B, a1, threads); err != nil {
			return nil, fmt.Errorf("while applying layer %d: %w", l, err)
		}
		// This layer's output becomes the input for the next layer.
		a0 = a1
	}
	return a0, nil
}

// LoadTensors attaches parameters from tensors to the already-configured
// layers.
func (net *Network) LoadTensors(tensors map[string]*AFix) error {
	net.Params = make([]*DenseParams, len(net.Layers))
	for l := range net.Layers {
		w, ok := tensors[weightKey(l)]
		if !ok {
			return fmt.Errorf("no entry for %s", weightKey(l))
		}
		b, ok := tensors[biasKey(l)]
		if !ok {
			return fmt.Errorf("no entry for %s", biasKey(l))
		}
		net.Params[l] = &DenseParams{W: w, B: b}
	}
	return net.Validate()
}

func (net *Network) DumpTensors(tensors map[string]*AFix) {
	for l := range net.Params {
		tensors[weightKey(l)] = net.Params[l].W
		tensors[biasKey(l)] = net.Params[l].B
	}
}

// NetworkFromTensors configures one layer per activation, taking each layer's
// sizes and format from the shapes and formats of its stored weights.  There
// must be exactly one activation per stored layer.
func NetworkFromTensors(tensors map[string]*AFix, activations []ActivationType) (*Network, error) {
	net := &Network{}
	for l, act := range activations {
		w, ok := tensors[weightKey(l)]
		if !ok {
			return nil, fmt.Errorf("no entry for %s", weightKey(l))
		}
		if len(w.Shape) != 2 {
			return nil, fmt.Errorf("%w: %s has shape %v", ErrShapeMismatch, weightKey(l), w.Shape)
		}
		lay, err := MakeDense(act, w.Shape[1], w.Shape[0], w.Format)
		if err != nil {
			return nil, fmt.Errorf("while configuring layer %d: %w", l, err)
		}
		net.Layers = append(net.Layers, lay)
	}
	if _, ok := tensors[weightKey(len(activations))]; ok {
		return nil, fmt.Errorf("%w: %d activations given but %s is present", ErrShapeMismatch, len(activations), weightKey(len(activations)))
	}
	if err := net.LoadTensors(tensors); err != nil {
		return nil, err
	}
	return net, nil
}
