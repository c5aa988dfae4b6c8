package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/ahmedtd/fixeddense/toolbox"
	"github.com/google/subcommands"
)

type ShowCommand struct {
	weightsFile string
	maxValues   int
}

var _ subcommands.Command = (*ShowCommand)(nil)

func (*ShowCommand) Name() string {
	return "show"
}

func (*ShowCommand) Synopsis() string {
	return "Print the tensors in a fixed-point weights file"
}

func (*ShowCommand) Usage() string {
	return `show [--weights=net.safetensors] [--max-values=16]

Prints one line per tensor: its name, Q format, shape, raw range and the first
values as raw(real).
`
}

func (c *ShowCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.weightsFile, "weights", "net.safetensors", "Path to the weights produced by the quantize command")
	f.IntVar(&c.maxValues, "max-values", 16, "Print at most this many values per tensor")
}

func (c *ShowCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *ShowCommand) executeErr(ctx context.Context) error {
	f, err := os.Open(c.weightsFile)
	if err != nil {
		return fmt.Errorf("while opening weights file: %w", err)
	}
	defer f.Close()

	tensors, err := toolbox.ReadSafeTensors(f)
	if err != nil {
		return fmt.Errorf("while reading weight tensors: %w", err)
	}

	return showTensors(os.Stdout, tensors, c.maxValues)
}

func showTensors(w io.Writer, tensors map[string]*toolbox.AFix, maxValues int) error {
	keys := []string{}
	for k := range tensors {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		t := tensors[k]
		n := min(len(t.V), maxValues)
		vals := make([]string, n)
		for i, v := range t.V[:n] {
			vals[i] = fmt.Sprintf("%d(%g)", v, toolbox.FromFixed32(v, t.Format))
		}
		if n < len(t.V) {
			vals = append(vals, "...")
		}
		if _, err := fmt.Fprintf(w, "%s %v %v min=%d max=%d [%s]\n", k, t.Format, t.Shape, slices.Min(t.V), slices.Max(t.V), strings.Join(vals, " ")); err != nil {
			return err
		}
	}
	return nil
}
