package nn

import "fmt"

// Conv2d is a grouped 2D convolution with square kernels and symmetric zero
// padding. Weight layout is [out, in/groups, k, k].
type Conv2d struct {
	InC, OutC int
	Kernel    int
	Stride    int
	Padding   int
	Groups    int
	HasBias   bool

	Weight []float32
	Bias   []float32
}

func NewConv2d(in, out, kernel, stride, groups int, bias bool) *Conv2d {
	if groups < 1 {
		groups = 1
	}
	c := &Conv2d{
		InC:     in,
		OutC:    out,
		Kernel:  kernel,
		Stride:  stride,
		Padding: (kernel - 1) / 2,
		Groups:  groups,
		HasBias: bias,
		Weight:  make([]float32, out*(in/groups)*kernel*kernel),
	}
	if bias {
		c.Bias = make([]float32, out)
	}
	return c
}

func (c *Conv2d) OutSize(h, w int) (int, int) {
	oh := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	return oh, ow
}

func (c *Conv2d) Forward(x *Tensor) (*Tensor, error) {
	if x.C != c.InC {
		return nil, shapeErr("conv2d", fmt.Sprintf("%d input channels", c.InC), x.String())
	}
	inPerG := c.InC / c.Groups
	outPerG := c.OutC / c.Groups
	k := c.Kernel
	if len(c.Weight) != c.OutC*inPerG*k*k {
		return nil, fmt.Errorf("conv2d: weight has %d elements, want %d: %w", len(c.Weight), c.OutC*inPerG*k*k, ErrShape)
	}

	oh, ow := c.OutSize(x.H, x.W)
	out := NewTensor(c.OutC, oh, ow)

	for oc := 0; oc < c.OutC; oc++ {
		g := oc / outPerG
		var bias float32
		if c.HasBias {
			bias = c.Bias[oc]
		}
		dst := out.Plane(oc)
		for i := range dst {
			dst[i] = bias
		}
		for ic := 0; ic < inPerG; ic++ {
			src := x.Plane(g*inPerG + ic)
			wBase := (oc*inPerG + ic) * k * k
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					wv := c.Weight[wBase+ky*k+kx]
					if wv == 0 {
						continue
					}
					for oy := 0; oy < oh; oy++ {
						iy := oy*c.Stride - c.Padding + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						row := src[iy*x.W : (iy+1)*x.W]
						drow := dst[oy*ow : (oy+1)*ow]
						for ox := 0; ox < ow; ox++ {
							ix := ox*c.Stride - c.Padding + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							drow[ox] += wv * row[ix]
						}
					}
				}
			}
		}
	}
	return out, nil
}

func (c *Conv2d) Params(prefix string) []Param {
	ps := []Param{{
		Name:  prefix + "weight",
		Shape: []int{c.OutC, c.InC / c.Groups, c.Kernel, c.Kernel},
		Value: &c.Weight,
	}}
	if c.HasBias {
		ps = append(ps, Param{Name: prefix + "bias", Shape: []int{c.OutC}, Value: &c.Bias})
	}
	return ps
}
