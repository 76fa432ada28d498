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
	"github.com/emirpasic/gods/v2/queues/circularbuffer"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Bank keeps a bounded FIFO of exemplar feature vectors per class: once a
// class's buffer is full, each push evicts its oldest exemplar. It satisfies
// the read interface the bank-contrastive loss consumes (contrast.Bank).
type Bank struct {
	backend    backends.Backend
	numClasses int
	channels   int
	dtype      dtypes.DType

	queues      []*circularbuffer.Queue[*tensors.Tensor]
	momentsExec *Exec
}

// NewBank creates a bank holding up to capacity exemplars per class, each an
// (channels,) vector.
func NewBank(backend backends.Backend, numClasses, channels, capacity int, dtype dtypes.DType) *Bank {
	if numClasses < 1 || channels < 1 {
		Panicf("numClasses=%d and channels=%d must be positive", numClasses, channels)
	}
	if capacity < 1 {
		Panicf("bank capacity must be positive, got %d", capacity)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("dtype must be float32 or float64, got %s", dtype)
	}
	b := &Bank{
		backend:    backend,
		numClasses: numClasses,
		channels:   channels,
		dtype:      dtype,
		queues:     make([]*circularbuffer.Queue[*tensors.Tensor], numClasses),
	}
	for cls := range b.queues {
		b.queues[cls] = circularbuffer.New[*tensors.Tensor](capacity)
	}
	b.momentsExec = NewExec(backend, func(feat, labels *Node) (*Node, *Node) {
		return classMoments(feat, labels, numClasses)
	})
	return b
}

// Push stores one exemplar, shaped (channels,), for the given class,
// evicting the class's oldest exemplar when at capacity.
func (b *Bank) Push(cls int, exemplar *tensors.Tensor) {
	if cls < 0 || cls >= b.numClasses {
		Panicf("class %d out of range [0, %d)", cls, b.numClasses)
	}
	if exemplar.DType() != b.dtype {
		Panicf("exemplar dtype %s does not match bank dtype %s", exemplar.DType(), b.dtype)
	}
	if exemplar.Rank() != 1 || exemplar.Shape().Dim(0) != b.channels {
		Panicf("exemplar must be shaped (%d,), got %s", b.channels, exemplar.Shape())
	}
	b.queues[cls].Enqueue(exemplar)
}

// Update pushes one exemplar per class present in the batch: the class's
// mean feature over the batch tokens. Flat token layout as in Mean.Update.
func (b *Bank) Update(feat, labels *tensors.Tensor) {
	checkUpdateInputs(feat, labels, b.dtype, b.channels)
	if feat.Shape().Dim(0) == 0 {
		return
	}
	results := b.momentsExec.Call(feat, labels)
	counts, means := results[0], results[1]
	pushed := 0
	for cls := 0; cls < b.numClasses; cls++ {
		if !classPresent(counts, cls) {
			continue
		}
		b.Push(cls, rowTensor(means, cls, b.channels, b.dtype))
		pushed++
	}
	klog.V(3).Infof("estimator: bank update pushed %d class exemplars", pushed)
}

// NumClasses returns the number of classes the bank tracks.
func (b *Bank) NumClasses() int { return b.numClasses }

// Len returns the current number of exemplars stored for a class.
func (b *Bank) Len(cls int) int {
	if cls < 0 || cls >= b.numClasses {
		Panicf("class %d out of range [0, %d)", cls, b.numClasses)
	}
	return b.queues[cls].Size()
}

// Exemplars returns the stored exemplars for a class, oldest first. The
// returned tensors are the stored ones; callers must not mutate them.
func (b *Bank) Exemplars(cls int) []*tensors.Tensor {
	if cls < 0 || cls >= b.numClasses {
		Panicf("class %d out of range [0, %d)", cls, b.numClasses)
	}
	return b.queues[cls].Values()
}

func classPresent(counts *tensors.Tensor, cls int) bool {
	switch counts.DType() {
	case dtypes.Float32:
		var c float32
		tensors.ConstFlatData(counts, func(flat []float32) { c = flat[cls] })
		return c > 0
	case dtypes.Float64:
		var c float64
		tensors.ConstFlatData(counts, func(flat []float64) { c = flat[cls] })
		return c > 0
	}
	Panicf("unsupported counts dtype %s", counts.DType())
	return false
}

// rowTensor copies one row of a (numClasses, channels) matrix into a fresh
// (channels,) tensor.
func rowTensor(matrix *tensors.Tensor, row, channels int, dtype dtypes.DType) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		out := make([]float32, channels)
		tensors.ConstFlatData(matrix, func(flat []float32) {
			copy(out, flat[row*channels:(row+1)*channels])
		})
		return tensors.FromFlatDataAndDimensions(out, channels)
	case dtypes.Float64:
		out := make([]float64, channels)
		tensors.ConstFlatData(matrix, func(flat []float64) {
			copy(out, flat[row*channels:(row+1)*channels])
		})
		return tensors.FromFlatDataAndDimensions(out, channels)
	}
	Panicf("unsupported bank dtype %s", dtype)
	return nil
}
