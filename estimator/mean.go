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
	"k8s.io/klog/v2"
)

// Mean tracks per-class prototype features as an exponential moving average
// of batch class means. Classes absent from a batch keep their running value.
type Mean struct {
	backend    backends.Backend
	numClasses int
	channels   int
	dtype      dtypes.DType
	momentum   float64

	protos     *tensors.Tensor // (numClasses, channels)
	updateExec *Exec
}

// NewMean creates a prototype tracker with zero-initialized prototypes.
// Momentum is the weight of the running value, typically close to 1
// (e.g. 0.999).
func NewMean(backend backends.Backend, numClasses, channels int, dtype dtypes.DType, momentum float64) *Mean {
	if numClasses < 1 || channels < 1 {
		Panicf("numClasses=%d and channels=%d must be positive", numClasses, channels)
	}
	if momentum < 0 || momentum >= 1 {
		Panicf("momentum must be in [0, 1), got %g", momentum)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("dtype must be float32 or float64, got %s", dtype)
	}
	e := &Mean{
		backend:    backend,
		numClasses: numClasses,
		channels:   channels,
		dtype:      dtype,
		momentum:   momentum,
		protos:     tensors.FromShape(shapes.Make(dtype, numClasses, channels)),
	}
	e.updateExec = NewExec(backend, func(protos, feat, labels *Node) *Node {
		counts, means := classMoments(feat, labels, numClasses)
		return emaWherePresent(protos, means, counts, momentum)
	})
	return e
}

// Update folds one batch of flat tokens into the prototypes: feat shaped
// (numTokens, channels), labels shaped (numTokens,) with valid class ids
// only. An empty batch is a no-op.
func (e *Mean) Update(feat, labels *tensors.Tensor) {
	checkUpdateInputs(feat, labels, e.dtype, e.channels)
	if feat.Shape().Dim(0) == 0 {
		return
	}
	e.protos = e.updateExec.Call(e.protos, feat, labels)[0]
	klog.V(3).Infof("estimator: prototype update with %d tokens", feat.Shape().Dim(0))
}

// Prototypes returns the current running class means, shaped
// (numClasses, channels). The returned tensor is owned by the tracker and
// replaced (not mutated) on Update.
func (e *Mean) Prototypes() *tensors.Tensor { return e.protos }

// NumClasses returns the number of tracked classes.
func (e *Mean) NumClasses() int { return e.numClasses }
