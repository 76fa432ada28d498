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

// Bank is the read surface of a per-class exemplar memory bank. The bank is
// owned and rotated by an external training-loop component (see
// estimator.Bank); the loss only takes a snapshot of it at call time.
type Bank interface {
	// NumClasses returns the number of per-class queues.
	NumClasses() int

	// Exemplars returns the stored exemplars of a class, oldest first. Each
	// exemplar is shaped (channels,) or (m, channels).
	Exemplars(cls int) []*tensors.Tensor
}

// bankContrastiveLosses is the elementwise bank-contrastive loss.
//
// clsFeats[cls] holds the surviving tokens of class cls as a
// (numTokens_cls, channels) node, or nil if the class has no surviving tokens;
// banks[idx] holds class idx's stored exemplars concatenated into one
// (numExemplars_idx, channels) node.
//
// For each class, every token's similarity row against its own class's
// exemplars forms the positives, while each other class contributes one
// negative score: the mean similarity over that class's exemplars. A token's
// loss is -log(exp(pos) / (exp(pos) + sum(exp(neg)))) averaged over the
// positive exemplar axis, computed in the stable form
// log1p(exp(logsumexp(neg) - pos)).
//
// The per-class loss vectors are concatenated in class order, so the output
// rows are grouped by class, NOT in original token order. Callers needing
// positional correspondence with the aligned tokens must not rely on the
// unreduced output's ordering.
func bankContrastiveLosses(clsFeats, banks []*Node, temp float64) *Node {
	numClasses := len(banks)
	if numClasses < 2 {
		Panicf("bank-contrastive loss requires at least 2 classes, got %d", numClasses)
	}
	var losses []*Node
	for cls, clsFeat := range clsFeats {
		if clsFeat == nil {
			continue
		}
		var pos *Node
		negs := make([]*Node, 0, numClasses-1)
		for idx, bank := range banks {
			// (numTokens_cls, numExemplars_idx)
			sim := DivScalar(MatMul(clsFeat, Transpose(bank, 0, 1)), temp)
			if idx == cls {
				pos = sim
			} else {
				negs = append(negs, InsertAxes(ReduceMean(sim, 1), -1))
			}
		}
		// (numTokens_cls, numClasses-1)
		neg := Concatenate(negs, 1)
		logSumNeg := InsertAxes(logSumExp(neg, 1), -1)
		perExemplar := Log1P(Exp(Sub(logSumNeg, pos)))
		losses = append(losses, ReduceMean(perExemplar, 1))
	}
	if len(losses) == 0 {
		Panicf("bank-contrastive loss called with no surviving tokens")
	}
	return Concatenate(losses, 0)
}

// snapshotBank concatenates each class's exemplars into a single
// (numExemplars, channels) tensor of the given dtype. A class with no stored
// exemplars is a precondition violation: it cannot serve as positive or
// negative.
func snapshotBank(bank Bank, numClasses, channels int, dtype dtypes.DType) []*tensors.Tensor {
	if bank.NumClasses() != numClasses {
		Panicf("bank has %d classes, loss configured for %d", bank.NumClasses(), numClasses)
	}
	mats := make([]*tensors.Tensor, numClasses)
	for cls := range mats {
		exemplars := bank.Exemplars(cls)
		if len(exemplars) == 0 {
			Panicf("bank for class %d is empty", cls)
		}
		mats[cls] = concatExemplars(exemplars, channels, dtype)
	}
	return mats
}

func concatExemplars(exemplars []*tensors.Tensor, channels int, dtype dtypes.DType) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		return concatExemplarsOf[float32](exemplars, channels)
	case dtypes.Float64:
		return concatExemplarsOf[float64](exemplars, channels)
	}
	Panicf("unsupported feature dtype %s for bank exemplars", dtype)
	return nil
}

func concatExemplarsOf[T float32 | float64](exemplars []*tensors.Tensor, channels int) *tensors.Tensor {
	var flat []T
	rows := 0
	for _, exemplar := range exemplars {
		shape := exemplar.Shape()
		switch {
		case shape.Rank() == 1 && shape.Dim(0) == channels:
			rows++
		case shape.Rank() == 2 && shape.Dim(1) == channels:
			rows += shape.Dim(0)
		default:
			Panicf("bank exemplar shaped %s, want (%d,) or (m, %d)", shape, channels, channels)
		}
		flat = append(flat, tensors.CopyFlatData[T](exemplar)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, rows, channels)
}
