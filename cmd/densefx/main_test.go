package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ahmedtd/fixeddense/toolbox"
	"github.com/google/go-cmp/cmp"
	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

func TestParseActivations(t *testing.T) {
	got, err := parseActivations("relu, hard_tanh,none,hard_sigmoid")
	if err != nil {
		t.Fatalf("parseActivations: %v", err)
	}
	want := []toolbox.ActivationType{toolbox.ReLU, toolbox.HardTanh, toolbox.None, toolbox.HardSigmoid}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Wrong activations; diff (-got +want)\n%s", diff)
	}

	if _, err := parseActivations("relu,softmax"); err == nil {
		t.Errorf("parseActivations accepted softmax")
	}
}

func TestShowTensors(t *testing.T) {
	f := toolbox.Format{Width: 8, Frac: 6}
	tensors := map[string]*toolbox.AFix{
		"net.0.biases":  {V: []int64{64, -64}, Shape: []int{2}, Format: f},
		"net.0.weights": {V: []int64{96, 96, -96, -128}, Shape: []int{2, 2}, Format: f},
	}

	var buf bytes.Buffer
	if err := showTensors(&buf, tensors, 3); err != nil {
		t.Fatalf("showTensors: %v", err)
	}

	want := "net.0.biases Q1.6 [2] min=-64 max=64 [64(1) -64(-1)]\n" +
		"net.0.weights Q1.6 [2 2] min=-128 max=96 [96(1.5) 96(1.5) -96(-1.5) ...]\n"
	if diff := cmp.Diff(buf.String(), want); diff != "" {
		t.Errorf("Wrong output; diff (-got +want)\n%s", diff)
	}
}

// writeParams writes a two layer network of real-valued parameters.  The
// first layer's biases are a numpy column vector.
func writeParams(t *testing.T, dir string, drop ...string) string {
	t.Helper()
	params := map[string]interface{}{
		"net.0.weights.npy": mat.NewDense(2, 2, []float64{1.0, 1.0, 1.0, -0.5}),
		"net.0.biases.npy":  mat.NewDense(2, 1, []float64{0, 0}),
		"net.1.weights.npy": mat.NewDense(1, 2, []float64{1.5, 1.5}),
		"net.1.biases.npy":  []float64{0.25},
	}
	for _, k := range drop {
		delete(params, k)
	}
	path := filepath.Join(dir, "params.npz")
	if err := npz.Write(path, params); err != nil {
		t.Fatalf("npz.Write: %v", err)
	}
	return path
}

func TestQuantizeThenEval(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	weights := filepath.Join(dir, "net.safetensors")

	quantize := &QuantizeCommand{
		dataFile:   writeParams(t, dir),
		outputFile: weights,
		width:      8,
		frac:       6,
	}
	if err := quantize.executeErr(ctx); err != nil {
		t.Fatalf("quantize: %v", err)
	}

	f, err := os.Open(weights)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	tensors, err := toolbox.ReadSafeTensors(f)
	if err != nil {
		t.Fatalf("ReadSafeTensors: %v", err)
	}
	q := toolbox.Format{Width: 8, Frac: 6}
	want := map[string]*toolbox.AFix{
		"net.0.weights": {V: []int64{64, 64, 64, -32}, Shape: []int{2, 2}, Format: q},
		"net.0.biases":  {V: []int64{0, 0}, Shape: []int{2}, Format: q},
		"net.1.weights": {V: []int64{96, 96}, Shape: []int{1, 2}, Format: q},
		"net.1.biases":  {V: []int64{16}, Shape: []int{1}, Format: q},
	}
	if diff := cmp.Diff(tensors, want); diff != "" {
		t.Errorf("Wrong quantized tensors; diff (-got +want)\n%s", diff)
	}

	eval := &EvalCommand{
		weightsFile: weights,
		activations: "relu,hard_tanh",
		input:       "0.5, -0.75",
		threads:     2,
	}
	if err := eval.executeErr(ctx); err != nil {
		t.Fatalf("eval: %v", err)
	}
	pred, err := eval.predict()
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if diff := cmp.Diff(pred, &toolbox.AFix{V: []int64{64}, Shape: []int{1, 1}, Format: q}); diff != "" {
		t.Errorf("Wrong prediction; diff (-got +want)\n%s", diff)
	}

	// A batch of two samples from an .npy file.
	inputFile := filepath.Join(dir, "x.npy")
	xf, err := os.Create(inputFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := npyio.Write(xf, mat.NewDense(2, 2, []float64{0.5, -0.75, 1.0, 1.0})); err != nil {
		t.Fatalf("npyio.Write: %v", err)
	}
	if err := xf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eval.inputFile = inputFile
	pred, err = eval.predict()
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if diff := cmp.Diff(pred, &toolbox.AFix{V: []int64{64, 64}, Shape: []int{2, 1}, Format: q}); diff != "" {
		t.Errorf("Wrong batch prediction; diff (-got +want)\n%s", diff)
	}
}

func TestEvalRejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	weights := filepath.Join(dir, "net.safetensors")
	quantize := &QuantizeCommand{dataFile: writeParams(t, dir), outputFile: weights, width: 8, frac: 6}
	if err := quantize.executeErr(ctx); err != nil {
		t.Fatalf("quantize: %v", err)
	}

	for _, c := range []struct {
		name        string
		activations string
		input       string
	}{
		{"too few activations", "none", "0.5,-0.75"},
		{"too many activations", "relu,relu,relu", "0.5,-0.75"},
		{"unknown activation", "relu,softmax", "0.5,-0.75"},
		{"short input", "relu,hard_tanh", "0.5"},
		{"bad input", "relu,hard_tanh", "0.5,x"},
	} {
		t.Run(c.name, func(t *testing.T) {
			eval := &EvalCommand{weightsFile: weights, activations: c.activations, input: c.input, threads: 1}
			if err := eval.executeErr(ctx); err == nil {
				t.Errorf("eval succeeded, want error")
			}
		})
	}
}

func TestQuantizeRejectsBadParams(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		name  string
		drop  []string
		width int
		frac  int
	}{
		{"missing bias", []string{"net.1.biases.npy"}, 8, 6},
		{"no layers", []string{"net.0.weights.npy", "net.0.biases.npy", "net.1.weights.npy", "net.1.biases.npy"}, 8, 6},
		{"bad format", nil, 8, 8},
	} {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			quantize := &QuantizeCommand{
				dataFile:   writeParams(t, dir, c.drop...),
				outputFile: filepath.Join(dir, "net.safetensors"),
				width:      c.width,
				frac:       c.frac,
			}
			if err := quantize.executeErr(ctx); err == nil {
				t.Errorf("quantize succeeded, want error")
			}
		})
	}
}

func TestLoadParamsStopsAtFirstMissingLayer(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "net.0.weights.npy", "net.0.biases.npy")
	if _, err := loadParams(path, toolbox.Format{Width: 8, Frac: 6}); err == nil {
		t.Errorf("loadParams without layer 0 succeeded")
	}

	path = writeParams(t, t.TempDir(), "net.1.weights.npy", "net.1.biases.npy")
	tensors, err := loadParams(path, toolbox.Format{Width: 8, Frac: 6})
	if err != nil {
		t.Fatalf("loadParams: %v", err)
	}
	if len(tensors) != 2 {
		t.Errorf("loadParams returned %d tensors, want 2", len(tensors))
	}
}
