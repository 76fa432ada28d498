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
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// DownscaleLabelRatio reduces a dense one-channel label map, shaped
// (batch, 1, height, width) with an integer dtype, to
// (batch, 1, height/scaleFactor, width/scaleFactor).
//
// Each output cell holds the majority class among the scaleFactor x scaleFactor
// input cells it covers, computed by one-hot encoding the labels (ignored
// pixels are temporarily mapped to the placeholder class numClasses), mean
// pooling each class channel -- which yields the per-class occupancy ratio of
// the cell -- and taking the argmax channel. Cells whose majority is the
// placeholder, or whose majority ratio is below minRatio, are reset to
// ignoreIndex.
//
// scaleFactor == 1 returns the input unmodified.
func DownscaleLabelRatio(labels *Node, scaleFactor int, minRatio float64, numClasses, ignoreIndex int) *Node {
	if scaleFactor < 1 {
		Panicf("scaleFactor must be >= 1, got %d", scaleFactor)
	}
	if labels.Rank() != 4 || labels.Shape().Dim(1) != 1 {
		Panicf("labels must be shaped (batch, 1, height, width), got %s", labels.Shape())
	}
	dtype := labels.DType()
	if !dtype.IsInt() {
		Panicf("labels must have an integer dtype, got %s", dtype)
	}
	if scaleFactor == 1 {
		return labels
	}

	g := labels.Graph()
	batchSize := labels.Shape().Dim(0)
	height, width := labels.Shape().Dim(2), labels.Shape().Dim(3)
	ignore := ConstAsDType(g, dtype, ignoreIndex)
	placeholder := ConstAsDType(g, dtype, numClasses)

	flat := Reshape(labels, batchSize, height, width)
	flat = Where(Equal(flat, ignore), placeholder, flat)

	// (batch, height, width, numClasses+1), each channel holding the class
	// occupancy after pooling.
	occupancy := OneHot(flat, numClasses+1, dtypes.Float32)
	occupancy = MeanPool(occupancy).Window(scaleFactor).Strides(scaleFactor).NoPadding().Done()

	ratio := ReduceMax(occupancy, -1)
	majority := ArgMax(occupancy, -1, dtype)
	majority = Where(Equal(majority, placeholder), ignore, majority)
	majority = Where(LessThan(ratio, ConstAsDType(g, ratio.DType(), minRatio)), ignore, majority)
	return Reshape(majority, batchSize, 1, height/scaleFactor, width/scaleFactor)
}

// LabelDownscaler executes DownscaleLabelRatio on concrete tensors, caching
// the compiled graph per input shape.
type LabelDownscaler struct {
	exec        *Exec
	scaleFactor int
}

// NewLabelDownscaler creates a LabelDownscaler with fixed hyperparameters.
func NewLabelDownscaler(backend backends.Backend, scaleFactor int, minRatio float64, numClasses, ignoreIndex int) *LabelDownscaler {
	if scaleFactor < 1 {
		Panicf("scaleFactor must be >= 1, got %d", scaleFactor)
	}
	return &LabelDownscaler{
		scaleFactor: scaleFactor,
		exec: NewExec(backend, func(labels *Node) *Node {
			return DownscaleLabelRatio(labels, scaleFactor, minRatio, numClasses, ignoreIndex)
		}),
	}
}

// Downscale returns the coarsened label map. The input is never shared with
// the output: scaleFactor == 1 returns an independent copy.
func (d *LabelDownscaler) Downscale(labels *tensors.Tensor) *tensors.Tensor {
	if d.scaleFactor == 1 {
		return labels.LocalClone()
	}
	return d.exec.Call(labels)[0]
}
