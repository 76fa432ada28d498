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

// protoSimilarity returns the temperature-divided similarity logits of each
// token feature, shaped (numTokens, channels), against every class prototype,
// shaped (numClasses, channels). Output: (numTokens, numClasses).
func protoSimilarity(feat, mean *Node, temp float64) *Node {
	if mean.Rank() != 2 || mean.Shape().Dim(1) != feat.Shape().Dim(1) {
		Panicf("mean (%s) must be shaped (numClasses, channels=%d)", mean.Shape(), feat.Shape().Dim(1))
	}
	return DivScalar(MatMul(feat, Transpose(mean, 0, 1)), temp)
}

// ProtoRegularization penalizes drift of the batch-mean feature away from its
// best-matching prototype: the mean over all surviving token features is
// compared to every prototype by temperature-divided dot product, a softmax is
// taken over the classes, and the sum of the log-probabilities is divided by
// norm (callers use numClasses * ln(numClasses)).
//
// feat must be shaped (numTokens, channels) with numTokens >= 1, mean
// (numClasses, channels). The result is a scalar.
func ProtoRegularization(feat, mean *Node, temp, norm float64) *Node {
	meanFeat := InsertAxes(ReduceMean(feat, 0), 0)
	sim := protoSimilarity(meanFeat, mean, temp)
	return DivScalar(ReduceAllSum(LogSoftmax(sim, -1)), norm)
}

// protoContrastiveLosses is the elementwise prototype-contrastive loss:
// per-token cross-entropy of the prototype similarity logits against the
// token's true class. feat is (numTokens, channels), labels (numTokens,),
// mean (numClasses, channels); classWeight is optional. Output: (numTokens,).
func protoContrastiveLosses(feat, labels, mean, classWeight *Node, temp float64) *Node {
	logits := protoSimilarity(feat, mean, temp)
	return sparseCrossEntropyLogits(logits, labels, classWeight)
}
