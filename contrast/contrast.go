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

// Package contrast implements contrastive and prototype-alignment losses for
// training semantic-segmentation models under domain shift.
//
// It provides three mutually exclusive loss variants, all classifying per-pixel
// feature embeddings against per-class statistics maintained externally (see
// package estimator):
//
//   - prototype-contrastive: similarity logits against class prototype means;
//   - distribution-contrastive: first-order (mean) plus second-order (diagonal
//     covariance) similarity, with a per-token Jensen correction term;
//   - bank-contrastive: positives and negatives drawn from bounded per-class
//     queues of stored feature exemplars.
//
// The heavy math is built as gomlx graph functions, so it can be embedded into
// a larger training graph; the ContrastiveLoss facade compiles and executes
// them on concrete tensors, returning the loss value and optionally the
// gradient with respect to the features.
//
// Shared pre-processing aligns a label mask to the feature map resolution,
// flattens both to a token list and drops every token labeled with the ignore
// index. DownscaleLabelRatio is an independent upstream utility that reduces a
// dense label map while discarding low-purity cells.
package contrast

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

const (
	// DefaultContrastTemp is the default temperature dividing similarity
	// scores before any softmax or cross-entropy.
	DefaultContrastTemp = 100.0

	// DefaultIgnoreIndex is the reserved label value excluding a pixel or
	// token from loss computation.
	DefaultIgnoreIndex = 255

	// DefaultScaleMinRatio is the default minimum purity for
	// DownscaleLabelRatio cells.
	DefaultScaleMinRatio = 0.75
)

// Reduction selects how an elementwise loss is collapsed to the returned
// value. See WeightReduceLoss.
//
// The zero value is deliberately not a valid reduction: in CallOptions it
// means "no override, use the configured default".
type Reduction int

const (
	reductionUnset Reduction = iota

	// ReductionNone returns the elementwise loss unreduced.
	ReductionNone

	// ReductionMean reduces the elementwise loss to its arithmetic mean --
	// or, if an average factor is given, to sum/avgFactor.
	ReductionMean

	// ReductionSum reduces the elementwise loss to its total.
	ReductionSum
)

// String implements fmt.Stringer.
func (r Reduction) String() string {
	switch r {
	case ReductionNone:
		return "none"
	case ReductionMean:
		return "mean"
	case ReductionSum:
		return "sum"
	}
	return "invalid"
}

// sparseCrossEntropyLogits returns the per-token multi-class cross-entropy of
// logits, shaped (numTokens, numClasses), against integer labels shaped
// (numTokens,). If classWeight is not nil it must be shaped (numClasses,), and
// each token's loss is rescaled by the weight of its true class. The result is
// shaped (numTokens,), unreduced.
func sparseCrossEntropyLogits(logits, labels, classWeight *Node) *Node {
	if logits.Rank() != 2 {
		Panicf("logits must be rank-2 (tokens, classes), got %s", logits.Shape())
	}
	if labels.Rank() != 1 || labels.Shape().Dim(0) != logits.Shape().Dim(0) {
		Panicf("labels (%s) must be rank-1 and match logits (%s) on the token axis",
			labels.Shape(), logits.Shape())
	}
	numClasses := logits.Shape().Dim(1)
	logProbs := LogSoftmax(logits, -1)
	labelsOneHot := OneHot(labels, numClasses, logits.DType())
	losses := Neg(ReduceSum(Mul(labelsOneHot, logProbs), -1))
	if classWeight != nil {
		if classWeight.Rank() != 1 || classWeight.Shape().Dim(0) != numClasses {
			Panicf("classWeight (%s) must be shaped (numClasses=%d,)", classWeight.Shape(), numClasses)
		}
		losses = Mul(losses, Gather(classWeight, InsertAxes(labels, -1)))
	}
	return losses
}

// logSumExp reduces x over the given axis with a max-shifted (numerically
// stable) log-sum-exp, dropping the reduced axis.
func logSumExp(x *Node, axis int) *Node {
	shift := StopGradient(ReduceAndKeep(x, ReduceMax, axis))
	return Add(
		Log(ReduceSum(Exp(Sub(x, shift)), axis)),
		Squeeze(shift, axis))
}
