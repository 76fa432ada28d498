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
)

// ReduceLoss collapses an elementwise loss according to reduction:
// ReductionNone returns loss unchanged, ReductionMean its arithmetic mean over
// all elements, and ReductionSum its total.
func ReduceLoss(loss *Node, reduction Reduction) *Node {
	switch reduction {
	case ReductionNone:
		return loss
	case ReductionMean:
		return ReduceAllMean(loss)
	case ReductionSum:
		return ReduceAllSum(loss)
	}
	Panicf("invalid reduction %d", reduction)
	return nil
}

// WeightReduceLoss applies an optional elementwise weight to loss and reduces
// it.
//
// If weight is not nil its rank must equal the loss's rank, and for rank > 1
// its second dimension must be 1 (it is broadcast) or match the loss's second
// dimension.
//
// avgFactor > 0 replaces the divisor of the mean reduction: the result becomes
// sum(loss)/avgFactor, a normalized sum letting the caller divide by e.g. the
// number of valid tokens instead of the tensor size. It leaves ReductionNone
// untouched and is invalid with ReductionSum.
func WeightReduceLoss(loss, weight *Node, reduction Reduction, avgFactor float64) *Node {
	if weight != nil {
		if weight.Rank() != loss.Rank() {
			Panicf("weight (%s) and loss (%s) must have the same rank", weight.Shape(), loss.Shape())
		}
		if weight.Rank() > 1 {
			wCols, lossCols := weight.Shape().Dim(1), loss.Shape().Dim(1)
			if wCols != 1 && wCols != lossCols {
				Panicf("weight (%s) second dimension must be 1 or match loss (%s)",
					weight.Shape(), loss.Shape())
			}
			if wCols == 1 && lossCols != 1 {
				weight = BroadcastToShape(weight, loss.Shape())
			}
		}
		loss = Mul(loss, weight)
	}

	if avgFactor <= 0 {
		return ReduceLoss(loss, reduction)
	}
	switch reduction {
	case ReductionMean:
		return DivScalar(ReduceAllSum(loss), avgFactor)
	case ReductionNone:
		return loss
	}
	Panicf("avgFactor cannot be used with reduction=%q", reduction)
	return nil
}
