package superres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"runtime"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	fileMagic     = "SRNN"
	formatVersion = 1

	maxChannels = 1024
	maxKernel   = 15
)

// Activation is applied to the output of a convolution layer.
type Activation uint8

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationTanh
)

// Layer is a same-padded 2D convolution.
type Layer struct {
	In         int
	Out        int
	Kernel     int
	Activation Activation
	Weights    []float32 // [Out][In][Kernel][Kernel]
	Bias       []float32 // [Out]
}

// Network is a sub-pixel convolution network (ESPCN) operating on the
// luminance channel. The last layer produces Scale*Scale channels that are
// rearranged into a Scale-times larger plane.
type Network struct {
	scale  int
	layers []Layer
}

// NewNetwork validates the layers and returns a network for the given scale.
func NewNetwork(scale int, layers []Layer) (*Network, error) {
	n := &Network{scale: scale, layers: layers}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Scale returns the upscaling factor of the network.
func (n *Network) Scale() int {
	return n.scale
}

func (n *Network) validate() error {
	if n.scale < 2 {
		return fmt.Errorf("invalid scale %d", n.scale)
	}
	if len(n.layers) == 0 {
		return errors.New("network has no layers")
	}
	in := 1
	for i, l := range n.layers {
		if l.In != in {
			return fmt.Errorf("layer %d: expected %d input channels, got %d", i, in, l.In)
		}
		if l.Out <= 0 || l.Out > maxChannels {
			return fmt.Errorf("layer %d: invalid output channels %d", i, l.Out)
		}
		if l.Kernel <= 0 || l.Kernel > maxKernel || l.Kernel%2 == 0 {
			return fmt.Errorf("layer %d: invalid kernel size %d", i, l.Kernel)
		}
		if l.Activation > ActivationTanh {
			return fmt.Errorf("layer %d: unknown activation %d", i, l.Activation)
		}
		if len(l.Weights) != l.Out*l.In*l.Kernel*l.Kernel {
			return fmt.Errorf("layer %d: expected %d weights, got %d", i, l.Out*l.In*l.Kernel*l.Kernel, len(l.Weights))
		}
		if len(l.Bias) != l.Out {
			return fmt.Errorf("layer %d: expected %d biases, got %d", i, l.Out, len(l.Bias))
		}
		in = l.Out
	}
	if in != n.scale*n.scale {
		return fmt.Errorf("last layer must produce %d channels, got %d", n.scale*n.scale, in)
	}
	return nil
}

type fileHeader struct {
	Magic   [4]byte
	Version uint16
	Scale   uint16
	Layers  uint16
}

type layerHeader struct {
	In         uint16
	Out        uint16
	Kernel     uint16
	Activation uint8
}

// ReadNetwork decodes a network from the SRNN model format.
func ReadNetwork(r io.Reader) (*Network, error) {
	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if string(hdr.Magic[:]) != fileMagic {
		return nil, fmt.Errorf("not a model file: bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("unsupported model version %d", hdr.Version)
	}

	layers := make([]Layer, 0, hdr.Layers)
	for i := 0; i < int(hdr.Layers); i++ {
		var lh layerHeader
		if err := binary.Read(r, binary.LittleEndian, &lh); err != nil {
			return nil, fmt.Errorf("reading layer %d header: %w", i, err)
		}
		if lh.In > maxChannels || lh.Out > maxChannels || lh.Kernel > maxKernel {
			return nil, fmt.Errorf("layer %d: dimensions out of range", i)
		}
		l := Layer{
			In:         int(lh.In),
			Out:        int(lh.Out),
			Kernel:     int(lh.Kernel),
			Activation: Activation(lh.Activation),
			Weights:    make([]float32, int(lh.Out)*int(lh.In)*int(lh.Kernel)*int(lh.Kernel)),
			Bias:       make([]float32, lh.Out),
		}
		if err := binary.Read(r, binary.LittleEndian, l.Weights); err != nil {
			return nil, fmt.Errorf("reading layer %d weights: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, l.Bias); err != nil {
			return nil, fmt.Errorf("reading layer %d bias: %w", i, err)
		}
		layers = append(layers, l)
	}

	return NewNetwork(int(hdr.Scale), layers)
}

// WriteNetwork encodes n in the SRNN model format.
func WriteNetwork(w io.Writer, n *Network) error {
	hdr := fileHeader{
		Version: formatVersion,
		Scale:   uint16(n.scale),
		Layers:  uint16(len(n.layers)),
	}
	copy(hdr.Magic[:], fileMagic)
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, l := range n.layers {
		lh := layerHeader{
			In:         uint16(l.In),
			Out:        uint16(l.Out),
			Kernel:     uint16(l.Kernel),
			Activation: uint8(l.Activation),
		}
		if err := binary.Write(w, binary.LittleEndian, lh); err != nil {
			return fmt.Errorf("writing layer %d header: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, l.Weights); err != nil {
			return fmt.Errorf("writing layer %d weights: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, l.Bias); err != nil {
			return fmt.Errorf("writing layer %d bias: %w", i, err)
		}
	}
	return nil
}

// Upscale returns img enlarged by the network scale on both axes. Luminance
// goes through the network; chroma is resampled with Catmull-Rom.
func (n *Network) Upscale(ctx context.Context, img image.Image) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("cannot upscale %dx%d image", w, h)
	}
	W, H := w*n.scale, h*n.scale

	// Bicubic base image supplies chroma for the output.
	out := image.NewRGBA(image.Rect(0, 0, W, H))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)

	plane := lumaPlane(img)
	for _, l := range n.layers {
		next, err := l.forward(ctx, plane, w, h)
		if err != nil {
			return nil, err
		}
		plane = next
	}

	size := w * h
	for y := 0; y < H; y++ {
		sy, dy := y/n.scale, y%n.scale
		for x := 0; x < W; x++ {
			sx, dx := x/n.scale, x%n.scale
			luma := plane[(dy*n.scale+dx)*size+sy*w+sx]

			i := out.PixOffset(x, y)
			_, cb, cr := color.RGBToYCbCr(out.Pix[i], out.Pix[i+1], out.Pix[i+2])
			r, g, bl := color.YCbCrToRGB(toByte(luma), cb, cr)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, bl, 0xff
		}
	}
	return out, nil
}

// forward applies the layer to a planar [In][h][w] input. Rows are computed
// in parallel; each goroutine writes a disjoint slice of the output.
func (l *Layer) forward(ctx context.Context, in []float32, w, h int) ([]float32, error) {
	size := w * h
	out := make([]float32, l.Out*size)
	pad := l.Kernel / 2

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for y := 0; y < h; y++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for o := 0; o < l.Out; o++ {
				dst := out[o*size+y*w : o*size+(y+1)*w]
				for x := range dst {
					dst[x] = l.Bias[o]
				}
				for i := 0; i < l.In; i++ {
					src := in[i*size : (i+1)*size]
					for ky := 0; ky < l.Kernel; ky++ {
						sy := y + ky - pad
						if sy < 0 || sy >= h {
							continue
						}
						row := src[sy*w : (sy+1)*w]
						for kx := 0; kx < l.Kernel; kx++ {
							weight := l.Weights[((o*l.In+i)*l.Kernel+ky)*l.Kernel+kx]
							if weight == 0 {
								continue
							}
							dx := kx - pad
							for x := max(0, -dx); x < min(w, w-dx); x++ {
								dst[x] += weight * row[x+dx]
							}
						}
					}
				}
				activate(dst, l.Activation)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func activate(v []float32, a Activation) {
	switch a {
	case ActivationReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case ActivationTanh:
		for i, x := range v {
			v[i] = float32(math.Tanh(float64(x)))
		}
	}
}

// lumaPlane returns the luminance of img scaled to [0,1].
func lumaPlane(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			luma, _, _ := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			out[y*w+x] = float32(luma) / 255
		}
	}
	return out
}

func toByte(v float32) uint8 {
	v = v*255 + 0.5
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
