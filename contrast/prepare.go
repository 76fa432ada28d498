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
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// AlignMask aligns a label mask to the spatial resolution of a feature map and
// flattens it to a token list.
//
// feat must be shaped (batch, channels, height, width). mask may be shaped
// (batch, h, w), (batch, 1, h, w) or (batch, k, h, w); a multi-channel mask is
// collapsed to a single channel by argmax over the channel axis. If (h, w)
// differs from (height, width) the mask is resized with nearest-neighbor
// interpolation, which never introduces fractional class values.
//
// The result is shaped (batch*height*width,) with dtype int32, tokens in
// raster order within each batch element, matching the channel-last flatten of
// the features (see flattenFeatures).
func AlignMask(feat, mask *Node) *Node {
	if feat.Rank() != 4 {
		Panicf("feat must be shaped (batch, channels, height, width), got %s", feat.Shape())
	}
	if mask.Rank() == 3 {
		mask = InsertAxes(mask, 1)
	}
	if mask.Rank() != 4 {
		Panicf("mask must be rank 3 or 4, got %s", mask.Shape())
	}
	if mask.Shape().Dim(0) != feat.Shape().Dim(0) {
		Panicf("feat (%s) and mask (%s) disagree on the batch dimension", feat.Shape(), mask.Shape())
	}

	batchSize := feat.Shape().Dim(0)
	height, width := feat.Shape().Dim(2), feat.Shape().Dim(3)
	if mask.Shape().Dim(2) != height || mask.Shape().Dim(3) != width {
		mask = ConvertDType(
			Interpolate(ConvertDType(mask, dtypes.Float32), NoInterpolation, NoInterpolation, height, width).
				Nearest().Done(),
			dtypes.Int32)
	}
	if mask.Shape().Dim(1) > 1 {
		mask = ArgMax(mask, 1, dtypes.Int32)
	} else {
		mask = Reshape(mask, batchSize, height, width)
	}
	return Reshape(ConvertDType(mask, dtypes.Int32), batchSize*height*width)
}

// flattenFeatures reshapes feat from (batch, channels, height, width) to
// (batch*height*width, channels) with a channel-last flatten, so row i
// corresponds to token i of AlignMask's output.
func flattenFeatures(feat *Node) *Node {
	if feat.Rank() != 4 {
		Panicf("feat must be shaped (batch, channels, height, width), got %s", feat.Shape())
	}
	batchSize, channels := feat.Shape().Dim(0), feat.Shape().Dim(1)
	height, width := feat.Shape().Dim(2), feat.Shape().Dim(3)
	feat = TransposeAllDims(feat, 0, 2, 3, 1)
	return Reshape(feat, batchSize*height*width, channels)
}

// gatherRows selects rows of a (tokens, channels) matrix by index, keeping the
// gradient path to the full matrix (dropped rows get zero gradient).
func gatherRows(flat, indices *Node) *Node {
	return Gather(flat, InsertAxes(indices, -1))
}

// FilterIgnored splits a flattened int32 label tensor into the indices of the
// tokens to keep -- those whose label differs from ignoreIndex -- and the kept
// labels themselves, both in original token order.
func FilterIgnored(flatLabels *tensors.Tensor, ignoreIndex int) (keepIdx, kept []int32) {
	if flatLabels.Rank() != 1 {
		Panicf("flatLabels must be rank-1, got %s", flatLabels.Shape())
	}
	tensors.ConstFlatData[int32](flatLabels, func(flat []int32) {
		for i, label := range flat {
			if int(label) == ignoreIndex {
				continue
			}
			keepIdx = append(keepIdx, int32(i))
			kept = append(kept, label)
		}
	})
	return
}

// groupByClass returns, for each class, the keep-indices of the surviving
// tokens labeled with it, preserving original token order within each class.
func groupByClass(keepIdx, kept []int32, numClasses int) [][]int32 {
	groups := make([][]int32, numClasses)
	for i, label := range kept {
		if int(label) >= numClasses {
			Panicf("label %d out of range [0, %d)", label, numClasses)
		}
		groups[label] = append(groups[label], keepIdx[i])
	}
	return groups
}
