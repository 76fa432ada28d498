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

// Package estimator maintains the per-class feature statistics consumed by
// package contrast: EMA prototype means (Mean), diagonal feature variances
// (Dist) and bounded exemplar banks (Bank).
//
// The trackers are owned and mutated by the training loop between steps; the
// loss only reads them. They are single-writer structures without internal
// locking. Feature inputs follow the loss's flat token layout: features
// shaped (numTokens, channels) and labels shaped (numTokens,) with ignored
// tokens already filtered out (see contrast.AlignMask and
// contrast.FilterIgnored).
package estimator

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// classMoments computes per-class token counts (numClasses,) and per-class
// batch means (numClasses, channels) from flat tokens. Absent classes get a
// zero count and a zero mean row.
func classMoments(feat, labels *Node, numClasses int) (counts, means *Node) {
	if feat.Rank() != 2 {
		Panicf("features must be rank-2 (numTokens, channels), got %s", feat.Shape())
	}
	if labels.Rank() != 1 || labels.Shape().Dim(0) != feat.Shape().Dim(0) {
		Panicf("labels must be shaped (numTokens,)=(%d,), got %s",
			feat.Shape().Dim(0), labels.Shape())
	}
	oneHot := OneHot(labels, numClasses, feat.DType()) // (N, C)
	counts = ReduceSum(oneHot, 0)                      // (C,)
	sums := MatMul(Transpose(oneHot, 0, 1), feat)      // (C, A)
	// Guard absent classes against 0/0.
	means = Div(sums, InsertAxes(Max(counts, OnesLike(counts)), -1))
	return
}

// emaWherePresent folds the batch statistic into the running one with the
// given momentum (weight of the old value), but only for classes present in
// the batch.
func emaWherePresent(running, batch, counts *Node, momentum float64) *Node {
	present := GreaterThan(counts, ZerosLike(counts)) // (C,)
	present = BroadcastToShape(InsertAxes(present, -1), running.Shape())
	updated := Add(MulScalar(running, momentum), MulScalar(batch, 1-momentum))
	return Where(present, updated, running)
}

func checkUpdateInputs(feat, labels *tensors.Tensor, dtype dtypes.DType, channels int) {
	if feat.DType() != dtype {
		Panicf("feature dtype %s does not match tracker dtype %s", feat.DType(), dtype)
	}
	if feat.Rank() != 2 || feat.Shape().Dim(1) != channels {
		Panicf("features must be shaped (numTokens, %d), got %s", channels, feat.Shape())
	}
	if labels.Rank() != 1 || labels.Shape().Dim(0) != feat.Shape().Dim(0) {
		Panicf("labels must be shaped (%d,), got %s", feat.Shape().Dim(0), labels.Shape())
	}
}
