package model

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

// StageConfig describes one run of MBConv blocks.
type StageConfig struct {
	Expand  int
	Kernel  int
	Stride  int
	In, Out int
	Repeats int
}

// Arch is a named backbone layout. Layer names follow the torchvision
// EfficientNet state dict with a single-channel stem.
type Arch struct {
	Name      string
	StemOut   int
	Stages    []StageConfig
	HeadOut   int
	InputSize int
	DropoutP  float32
}

var archs = map[string]Arch{
	"efficientnet_b0": {
		Name:    "efficientnet_b0",
		StemOut: 32,
		Stages: []StageConfig{
			{1, 3, 1, 32, 16, 1},
			{6, 3, 2, 16, 24, 2},
			{6, 5, 2, 24, 40, 2},
			{6, 3, 2, 40, 80, 3},
			{6, 5, 1, 80, 112, 3},
			{6, 5, 2, 112, 192, 4},
			{6, 3, 1, 192, 320, 1},
		},
		HeadOut:   1280,
		InputSize: 64,
		DropoutP:  0.2,
	},
	"efficientnet_b1": {
		Name:    "efficientnet_b1",
		StemOut: 32,
		Stages: []StageConfig{
			{1, 3, 1, 32, 16, 2},
			{6, 3, 2, 16, 24, 3},
			{6, 5, 2, 24, 40, 3},
			{6, 3, 2, 40, 80, 4},
			{6, 5, 1, 80, 112, 4},
			{6, 5, 2, 112, 192, 5},
			{6, 3, 1, 192, 320, 2},
		},
		HeadOut:   1280,
		InputSize: 64,
		DropoutP:  0.2,
	},
	// mbconv_tiny keeps the EfficientNet block structure at a fraction of the
	// cost. Its 8×8 final feature map also gives finer attention maps.
	"mbconv_tiny": {
		Name:    "mbconv_tiny",
		StemOut: 16,
		Stages: []StageConfig{
			{1, 3, 1, 16, 16, 1},
			{4, 3, 2, 16, 24, 1},
			{4, 5, 2, 24, 32, 1},
		},
		HeadOut:   64,
		InputSize: 64,
		DropoutP:  0.2,
	},
}

func LookupArch(name string) (Arch, error) {
	a, ok := archs[name]
	if !ok {
		return Arch{}, &ArchitectureMismatchError{Want: fmt.Sprintf("one of %v", ArchNames()), Got: name}
	}
	return a, nil
}

func ArchNames() []string {
	names := make([]string, 0, len(archs))
	for n := range archs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FeatureDim is the length of the pooled feature vector.
func (a Arch) FeatureDim() int { return a.HeadOut }

// layers builds the flat feature stack: stem, one entry per MBConv block,
// head conv/bn/act and the global pool.
func (a Arch) layers() []nn.Named {
	var out []nn.Named
	add := func(name string, l nn.Layer) { out = append(out, nn.Named{Name: name, Layer: l}) }

	add("features.0.0", nn.NewConv2d(1, a.StemOut, 3, 2, 1, false))
	add("features.0.1", nn.NewBatchNorm2d(a.StemOut))
	add("features.0.2", nn.SiLU{})

	for s, st := range a.Stages {
		in := st.In
		for b := 0; b < st.Repeats; b++ {
			stride := st.Stride
			if b > 0 {
				stride = 1
			}
			add("features."+strconv.Itoa(s+1)+"."+strconv.Itoa(b), nn.NewMBConv(in, st.Out, st.Expand, st.Kernel, stride))
			in = st.Out
		}
	}

	head := "features." + strconv.Itoa(len(a.Stages)+1)
	last := a.Stages[len(a.Stages)-1].Out
	add(head+".0", nn.NewConv2d(last, a.HeadOut, 1, 1, 1, false))
	add(head+".1", nn.NewBatchNorm2d(a.HeadOut))
	add(head+".2", nn.SiLU{})
	add("avgpool", nn.GlobalAvgPool{})
	return out
}
