// Command densefx quantizes and evaluates fixed-point dense networks.
//
// To quantize: `go run ./cmd/densefx quantize --data-file=params.npz --width=8 --frac=6 --output=net.safetensors`
//
// To evaluate: `go run ./cmd/densefx eval --weights=net.safetensors --activations=relu,hard_tanh --input=0.5,-0.75`
//
// To inspect: `go run ./cmd/densefx show --weights=net.safetensors`
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/ahmedtd/fixeddense/toolbox"
	"github.com/google/subcommands"
	"github.com/sbinet/npyio/npz"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&QuantizeCommand{}, "")
	subcommands.Register(&EvalCommand{}, "")
	subcommands.Register(&ShowCommand{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

type QuantizeCommand struct {
	dataFile   string
	outputFile string

	width int
	frac  int
}

var _ subcommands.Command = (*QuantizeCommand)(nil)

func (*QuantizeCommand) Name() string {
	return "quantize"
}

func (*QuantizeCommand) Synopsis() string {
	return "Quantize real-valued layer parameters to fixed point"
}

func (*QuantizeCommand) Usage() string {
	return `quantize --data-file=params.npz [--width=8 --frac=6] [--output=net.safetensors]

The archive must hold float64 arrays net.<l>.weights of shape (outputs, inputs)
and net.<l>.biases of shape (outputs), for l = 0, 1, ...
`
}

func (c *QuantizeCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dataFile, "data-file", "params.npz", "Path to the .npz archive of real-valued parameters")
	f.StringVar(&c.outputFile, "output", "net.safetensors", "Path to write fixed-point parameters (safetensors format)")
	f.IntVar(&c.width, "width", 8, "Bit width of every value")
	f.IntVar(&c.frac, "frac", 6, "Fractional bits of every value")
}

func (c *QuantizeCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *QuantizeCommand) executeErr(ctx context.Context) error {
	format, err := toolbox.MakeFormat(c.width, c.frac)
	if err != nil {
		return fmt.Errorf("while building format: %w", err)
	}

	tensors, err := loadParams(c.dataFile, format)
	if err != nil {
		return fmt.Errorf("while loading parameters: %w", err)
	}
	log.Printf("Quantized %d tensors to %v", len(tensors), format)

	f, err := os.Create(c.outputFile)
	if err != nil {
		return fmt.Errorf("while creating output file: %w", err)
	}
	defer f.Close()

	if err := toolbox.WriteSafeTensors(f, tensors); err != nil {
		return fmt.Errorf("while writing tensors: %w", err)
	}
	return f.Close()
}

// loadParams reads net.<l>.weights and net.<l>.biases for consecutive l until
// the archive runs out of layers, and quantizes them.
func loadParams(path string, format toolbox.Format) (map[string]*toolbox.AFix, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("while opening parameter file: %w", err)
	}
	defer r.Close()

	keys := r.Keys()
	tensors := map[string]*toolbox.AFix{}
	for l := 0; ; l++ {
		weightName := fmt.Sprintf("net.%d.weights", l)
		biasName := fmt.Sprintf("net.%d.biases", l)
		if !slices.Contains(keys, weightName+".npy") {
			if l == 0 {
				return nil, fmt.Errorf("no entry for %s in %v", weightName, keys)
			}
			break
		}

		w, err := loadArray(r, weightName, format)
		if err != nil {
			return nil, err
		}
		if len(w.Shape) != 2 {
			return nil, fmt.Errorf("%s has shape %v, want (outputs, inputs)", weightName, w.Shape)
		}

		b, err := loadArray(r, biasName, format)
		if err != nil {
			return nil, err
		}
		// numpy column vectors are accepted as plain vectors.
		b.Shape = []int{len(b.V)}
		if len(b.V) != w.Shape[0] {
			return nil, fmt.Errorf("%s has %d values, want %d", biasName, len(b.V), w.Shape[0])
		}

		tensors[weightName] = w
		tensors[biasName] = b
	}
	return tensors, nil
}

func loadArray(r *npz.Reader, name string, format toolbox.Format) (*toolbox.AFix, error) {
	header := r.Header(name + ".npy")
	if header == nil {
		return nil, fmt.Errorf("no entry for %s", name)
	}

	var raw []float64
	if err := r.Read(name+".npy", &raw); err != nil {
		return nil, fmt.Errorf("while reading float64 array %s: %w", name, err)
	}

	a, err := toolbox.Quantize(raw, format, header.Descr.Shape...)
	if err != nil {
		return nil, fmt.Errorf("while quantizing %s: %w", name, err)
	}
	return a, nil
}

func parseActivations(s string) ([]toolbox.ActivationType, error) {
	var out []toolbox.ActivationType
	for _, name := range strings.Split(s, ",") {
		act, err := toolbox.ParseActivationType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, nil
}
