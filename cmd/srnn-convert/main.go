// Command srnn-convert turns exported ESPCN weights into the sr_x{N}.srnn
// artifacts loaded by meowmung-ledger.
//
// Export a trained PyTorch model with something like:
//
//	json.dump({"scale": 3, "layers": [
//	    {"weight": conv.weight.tolist(), "bias": conv.bias.tolist(), "activation": "tanh"},
//	    ...
//	]}, f)
//
// The model must take the luminance channel in [0,1] and end in the Conv2d
// feeding nn.PixelShuffle(scale).
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/meowmung/meowmung-ledger/internal/superres"
)

func main() {
	fs := ff.NewFlagSet("srnn-convert")
	var (
		in  = fs.StringLong("in", "", "Exported model (JSON or YAML)")
		dir = fs.StringLong("model-dir", "./models", "Directory to write the artifact to")
	)
	if err := ff.Parse(fs, os.Args[1:]); err != nil || *in == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	if err := convert(*in, *dir); err != nil {
		slog.Error("Conversion failed", "error", err)
		os.Exit(1)
	}
}

func convert(in, dir string) error {
	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("opening export: %w", err)
	}
	defer src.Close()

	network, err := superres.ReadExport(bufio.NewReader(src))
	if err != nil {
		return fmt.Errorf("reading %s: %w", in, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	path := superres.NewFileLoader(dir).Path(network.Scale())
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := superres.WriteNetwork(w, network); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing artifact: %w", err)
	}

	slog.Info("Wrote super-resolution model", "path", path, "scale", network.Scale())
	return nil
}
