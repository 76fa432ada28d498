/*
 *	Copyright 2024 The SgCG Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package contrast

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func runDownscale(t *testing.T, labels [][]int32, scaleFactor int, minRatio float64) []int32 {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	height, width := len(labels), len(labels[0])
	flat := make([]int32, 0, height*width)
	for _, row := range labels {
		flat = append(flat, row...)
	}
	in := ConstTensor(g, tensors.FromFlatDataAndDimensions(flat, 1, 1, height, width))
	out := DownscaleLabelRatio(in, scaleFactor, minRatio, 4, 255)
	g.Compile(out)
	result := g.Run()[0]
	require.Equal(t, []int{1, 1, height / scaleFactor, width / scaleFactor}, result.Shape().Dimensions)
	var got []int32
	tensors.ConstFlatData(result, func(data []int32) { got = append(got, data...) })
	return got
}

func TestDownscaleLabelRatio(t *testing.T) {
	// A uniform block keeps its label; a block whose majority falls below
	// minRatio becomes the ignore label.
	got := runDownscale(t, [][]int32{
		{0, 0, 1, 2},
		{0, 0, 1, 3},
	}, 2, 0.75)
	require.Equal(t, []int32{0, 255}, got)

	// Exactly at minRatio the majority label survives.
	got = runDownscale(t, [][]int32{
		{0, 0},
		{0, 1},
	}, 2, 0.75)
	require.Equal(t, []int32{0}, got)

	// Ignored pixels never win a block: a fully ignored block stays ignored.
	got = runDownscale(t, [][]int32{
		{255, 255, 2, 2},
		{255, 255, 2, 2},
	}, 2, 0.75)
	require.Equal(t, []int32{255, 2}, got)
}

func TestDownscaleIgnoreDominatedBlock(t *testing.T) {
	// Three ignored pixels and one labeled: the placeholder wins the argmax
	// and the block maps back to the ignore label.
	got := runDownscale(t, [][]int32{
		{255, 255},
		{255, 1},
	}, 2, 0.5)
	require.Equal(t, []int32{255}, got)
}

func TestLabelDownscalerIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 255}, 1, 1, 2, 2)
	down := NewLabelDownscaler(backend, 1, 0.75, 4, 255)
	got := down.Downscale(labels)
	require.Equal(t, labels.Shape().Dimensions, got.Shape().Dimensions)
	tensors.ConstFlatData(got, func(data []int32) {
		require.Equal(t, []int32{0, 1, 2, 255}, data)
	})
}

func TestLabelDownscaler(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	labels := tensors.FromFlatDataAndDimensions([]int32{
		3, 3, 0, 1,
		3, 3, 2, 1,
	}, 1, 1, 2, 4)
	down := NewLabelDownscaler(backend, 2, 0.75, 4, 255)
	got := down.Downscale(labels)
	require.Equal(t, []int{1, 1, 1, 2}, got.Shape().Dimensions)
	tensors.ConstFlatData(got, func(data []int32) {
		require.Equal(t, []int32{3, 255}, data)
	})
}
