package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/ahmedtd/fixeddense/toolbox"
	"github.com/google/subcommands"
	"github.com/sbinet/npyio"
)

type EvalCommand struct {
	weightsFile string
	activations string

	input     string
	inputFile string

	threads        int
	cpuProfileFile string
}

var _ subcommands.Command = (*EvalCommand)(nil)

func (*EvalCommand) Name() string {
	return "eval"
}

func (*EvalCommand) Synopsis() string {
	return "Evaluate a fixed-point network on an input"
}

func (*EvalCommand) Usage() string {
	return `eval --weights=net.safetensors --activations=relu,none (--input=0.5,-0.75 | --input-file=x.npy)

One activation is given per layer.  The input is real-valued and quantized to
the format of the first layer.  An .npy input of shape (batch, inputs) is
evaluated as a batch.
`
}

func (c *EvalCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.weightsFile, "weights", "net.safetensors", "Path to the weights produced by the quantize command")
	f.StringVar(&c.activations, "activations", "none", "Comma-separated activation for each layer: none, relu, hard_tanh, hard_sigmoid")
	f.StringVar(&c.input, "input", "", "Comma-separated real-valued input vector")
	f.StringVar(&c.inputFile, "input-file", "", "Path to a float64 .npy input, used instead of --input")
	f.IntVar(&c.threads, "threads", runtime.GOMAXPROCS(0), "Number of goroutines evaluating each layer")

	f.StringVar(&c.cpuProfileFile, "cpu-profile", "", "Write a CPU profile")
}

func (c *EvalCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *EvalCommand) executeErr(ctx context.Context) error {
	if c.cpuProfileFile != "" {
		f, err := os.Create(c.cpuProfileFile)
		if err != nil {
			return fmt.Errorf("while creating CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("while starting CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	pred, err := c.predict()
	if err != nil {
		return err
	}

	for k := 0; k < pred.Shape[0]; k++ {
		vals := []string{}
		for _, v := range pred.Row(k) {
			vals = append(vals, toolbox.Fixed{Raw: v, Format: pred.Format}.String())
		}
		log.Printf("sample %d: %s", k, strings.Join(vals, " "))
	}
	return nil
}

// predict returns the network output for every input sample, with shape
// (batchSize, outputs).
func (c *EvalCommand) predict() (*toolbox.AFix, error) {
	activations, err := parseActivations(c.activations)
	if err != nil {
		return nil, fmt.Errorf("while parsing activations: %w", err)
	}

	net, err := c.loadNetwork(activations)
	if err != nil {
		return nil, fmt.Errorf("while loading network: %w", err)
	}
	for l, lay := range net.Layers {
		log.Printf("layer %d: %v", l, lay)
	}

	x, err := c.loadInput(net.Layers[0])
	if err != nil {
		return nil, fmt.Errorf("while loading input: %w", err)
	}

	pred, err := net.Apply(x, c.threads)
	if err != nil {
		return nil, fmt.Errorf("while evaluating network: %w", err)
	}
	return pred, nil
}

func (c *EvalCommand) loadNetwork(activations []toolbox.ActivationType) (*toolbox.Network, error) {
	f, err := os.Open(c.weightsFile)
	if err != nil {
		return nil, fmt.Errorf("while opening weights file: %w", err)
	}
	defer f.Close()

	tensors, err := toolbox.ReadSafeTensors(f)
	if err != nil {
		return nil, fmt.Errorf("while reading weight tensors: %w", err)
	}

	net, err := toolbox.NetworkFromTensors(tensors, activations)
	if err != nil {
		return nil, fmt.Errorf("while restoring network: %w", err)
	}
	return net, nil
}

// loadInput returns the quantized input with shape (batchSize, lay.InputSize).
func (c *EvalCommand) loadInput(lay *toolbox.Layer) (*toolbox.AFix, error) {
	if c.inputFile != "" {
		return c.loadInputFile(lay)
	}

	var vs []float64
	for _, s := range strings.Split(c.input, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("while parsing input value %q: %w", s, err)
		}
		vs = append(vs, v)
	}
	return toolbox.Quantize(vs, lay.Format, 1, lay.InputSize)
}

func (c *EvalCommand) loadInputFile(lay *toolbox.Layer) (*toolbox.AFix, error) {
	f, err := os.Open(c.inputFile)
	if err != nil {
		return nil, fmt.Errorf("while opening input file: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("while reading npy header: %w", err)
	}

	var raw []float64
	if err := r.Read(&raw); err != nil {
		return nil, fmt.Errorf("while reading float64 array: %w", err)
	}

	batchSize := 1
	if shape := r.Header.Descr.Shape; len(shape) == 2 {
		batchSize = shape[0]
	}
	return toolbox.Quantize(raw, lay.Format, batchSize, lay.InputSize)
}
