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

package estimator

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Dist tracks per-class prototype means together with a diagonal feature
// variance, the statistics the distribution-contrastive loss consumes. It
// maintains EMAs of the class means and of the class second moments; the
// covariance is their difference, clamped at zero.
type Dist struct {
	backend    backends.Backend
	numClasses int
	channels   int
	dtype      dtypes.DType
	momentum   float64

	protos  *tensors.Tensor // EMA of E[x] per class, (numClasses, channels)
	moment2 *tensors.Tensor // EMA of E[x²] per class, (numClasses, channels)

	updateExec *Exec
	covExec    *Exec
}

// NewDist creates a mean+variance tracker with zero-initialized statistics.
func NewDist(backend backends.Backend, numClasses, channels int, dtype dtypes.DType, momentum float64) *Dist {
	if numClasses < 1 || channels < 1 {
		Panicf("numClasses=%d and channels=%d must be positive", numClasses, channels)
	}
	if momentum < 0 || momentum >= 1 {
		Panicf("momentum must be in [0, 1), got %g", momentum)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("dtype must be float32 or float64, got %s", dtype)
	}
	e := &Dist{
		backend:    backend,
		numClasses: numClasses,
		channels:   channels,
		dtype:      dtype,
		momentum:   momentum,
		protos:     tensors.FromShape(shapes.Make(dtype, numClasses, channels)),
		moment2:    tensors.FromShape(shapes.Make(dtype, numClasses, channels)),
	}
	e.updateExec = NewExec(backend, func(protos, moment2, feat, labels *Node) (*Node, *Node) {
		counts, means := classMoments(feat, labels, numClasses)
		_, sqMeans := classMoments(Square(feat), labels, numClasses)
		return emaWherePresent(protos, means, counts, momentum),
			emaWherePresent(moment2, sqMeans, counts, momentum)
	})
	e.covExec = NewExec(backend, func(protos, moment2 *Node) *Node {
		variance := Sub(moment2, Square(protos))
		return Max(variance, ZerosLike(variance))
	})
	return e
}

// Update folds one batch of flat tokens into the running mean and second
// moment. An empty batch is a no-op.
func (e *Dist) Update(feat, labels *tensors.Tensor) {
	checkUpdateInputs(feat, labels, e.dtype, e.channels)
	if feat.Shape().Dim(0) == 0 {
		return
	}
	results := e.updateExec.Call(e.protos, e.moment2, feat, labels)
	e.protos, e.moment2 = results[0], results[1]
}

// Prototypes returns the running class means, shaped (numClasses, channels).
func (e *Dist) Prototypes() *tensors.Tensor { return e.protos }

// Covariance returns the running diagonal variance per class, shaped
// (numClasses, channels), clamped to be non-negative.
func (e *Dist) Covariance() *tensors.Tensor {
	return e.covExec.Call(e.protos, e.moment2)[0]
}

// NumClasses returns the number of tracked classes.
func (e *Dist) NumClasses() int { return e.numClasses }
