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

// distContrastiveLosses is the elementwise distribution-contrastive loss.
//
// Logits combine a first-order similarity against the class means with a
// second-order term using the squared features against the per-class diagonal
// covariance, scaled by ratio/temp:
//
//	logits = (feat . mean^T + 0.5 * feat^2 . (cov*ratio/temp)^T) / temp
//
// The per-token loss is the cross-entropy of those logits plus an in-class
// Jensen correction, 0.5 * sum(feat^2 * covScaled[label]) / temp, which
// accounts for the true class's own variance contribution already present in
// its logit.
//
// feat is (numTokens, channels), labels (numTokens,), mean and covariance
// (numClasses, channels); classWeight is optional. Output: (numTokens,).
func distContrastiveLosses(feat, labels, mean, covariance, classWeight *Node, ratio, temp float64) *Node {
	if covariance.Rank() != 2 || !covariance.Shape().Equal(mean.Shape()) {
		Panicf("covariance (%s) must have the same shape as mean (%s)",
			covariance.Shape(), mean.Shape())
	}
	covScaled := MulScalar(covariance, ratio/temp)
	featSquared := Square(feat)

	firstOrder := MatMul(feat, Transpose(mean, 0, 1))
	secondOrder := MulScalar(MatMul(featSquared, Transpose(covScaled, 0, 1)), 0.5)
	logits := DivScalar(Add(firstOrder, secondOrder), temp)
	ceLosses := sparseCrossEntropyLogits(logits, labels, classWeight)

	// covScaled[label] selects each token's true-class covariance row.
	inClass := Gather(covScaled, InsertAxes(labels, -1))
	correction := DivScalar(MulScalar(ReduceSum(Mul(featSquared, inClass), -1), 0.5), temp)

	return Add(ceLosses, correction)
}
