package superres

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Export is a trained ESPCN in the layout PyTorch uses for Conv2d weights,
// written out as JSON or YAML. Layers are applied in order; the last one
// feeds the pixel shuffle.
type Export struct {
	Scale  int           `yaml:"scale"`
	Layers []ExportLayer `yaml:"layers"`
}

// ExportLayer is one Conv2d. Weight is indexed [out][in][ky][kx].
type ExportLayer struct {
	Weight     [][][][]float32 `yaml:"weight"`
	Bias       []float32       `yaml:"bias"`
	Activation string          `yaml:"activation"` // none, relu or tanh
}

// ReadExport parses an exported model and returns it as a Network.
func ReadExport(r io.Reader) (*Network, error) {
	var export Export
	if err := yaml.NewDecoder(r).Decode(&export); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}

	layers := make([]Layer, 0, len(export.Layers))
	for i, el := range export.Layers {
		l, err := el.layer()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, l)
	}
	return NewNetwork(export.Scale, layers)
}

func (el ExportLayer) layer() (Layer, error) {
	act, err := parseActivation(el.Activation)
	if err != nil {
		return Layer{}, err
	}
	if len(el.Weight) == 0 || len(el.Weight[0]) == 0 || len(el.Weight[0][0]) == 0 {
		return Layer{}, fmt.Errorf("empty weight")
	}

	out, in, k := len(el.Weight), len(el.Weight[0]), len(el.Weight[0][0])
	l := Layer{
		In:         in,
		Out:        out,
		Kernel:     k,
		Activation: act,
		Weights:    make([]float32, 0, out*in*k*k),
		Bias:       el.Bias,
	}
	for o := range el.Weight {
		if len(el.Weight[o]) != in {
			return Layer{}, fmt.Errorf("output channel %d has %d inputs, want %d", o, len(el.Weight[o]), in)
		}
		for i := range el.Weight[o] {
			if len(el.Weight[o][i]) != k {
				return Layer{}, fmt.Errorf("kernel [%d][%d] has %d rows, want %d", o, i, len(el.Weight[o][i]), k)
			}
			for _, row := range el.Weight[o][i] {
				if len(row) != k {
					return Layer{}, fmt.Errorf("kernel [%d][%d] is not square", o, i)
				}
				l.Weights = append(l.Weights, row...)
			}
		}
	}
	return l, nil
}

func parseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "linear":
		return ActivationNone, nil
	case "relu":
		return ActivationReLU, nil
	case "tanh":
		return ActivationTanh, nil
	}
	return 0, fmt.Errorf("unknown activation %q", s)
}
