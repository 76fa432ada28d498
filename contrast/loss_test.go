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
	"math"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const deltaForTests = 1e-3

// Two tokens, two channels, two classes: token 0 is [1, 2] with label 0,
// token 1 is ignored. With identity prototypes and temperature 1 the logits
// of token 0 are [1, 2], so the cross-entropy is log(1+e) ≈ 1.31326.
func testFixture() (feat, mask, mean *tensors.Tensor) {
	// (batch=1, channels=2, height=1, width=2), flat layout is (B, C, H, W).
	feat = tensors.FromFlatDataAndDimensions([]float32{1, 9, 2, 9}, 1, 2, 1, 2)
	mask = tensors.FromFlatDataAndDimensions([]int32{0, 255}, 1, 1, 2)
	mean = tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2)
	return
}

func TestProtoLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1)

	got := loss.Calc(feat, mask, &CallOptions{Mean: mean})
	require.True(t, got.IsScalar())
	require.InDelta(t, 1.31326, float64(got.Value().(float32)), deltaForTests)

	// Sum and none reductions over the single surviving token.
	got = loss.Calc(feat, mask, &CallOptions{Mean: mean, ReductionOverride: ReductionSum})
	require.InDelta(t, 1.31326, float64(got.Value().(float32)), deltaForTests)
	got = loss.Calc(feat, mask, &CallOptions{Mean: mean, ReductionOverride: ReductionNone})
	require.InDeltaSlice(t, []float32{1.31326}, got.Value(), deltaForTests)

	// AvgFactor replaces the mean divisor.
	got = loss.Calc(feat, mask, &CallOptions{Mean: mean, AvgFactor: 2})
	require.InDelta(t, 1.31326/2, float64(got.Value().(float32)), deltaForTests)

	// Per-token weight of 2 doubles the averaged loss.
	weight := tensors.FromFlatDataAndDimensions([]float32{2}, 1)
	got = loss.Calc(feat, mask, &CallOptions{Mean: mean, Weight: weight})
	require.InDelta(t, 2*1.31326, float64(got.Value().(float32)), deltaForTests)
}

func TestProtoLossWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1).WithLossWeight(0.25)
	got := loss.Calc(feat, mask, &CallOptions{Mean: mean})
	require.InDelta(t, 0.25*1.31326, float64(got.Value().(float32)), deltaForTests)
}

func TestProtoLossClassWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1).WithClassWeight([]float64{3, 1})
	got := loss.Calc(feat, mask, &CallOptions{Mean: mean})
	// The only token has label 0, so its loss is rescaled by 3.
	require.InDelta(t, 3*1.31326, float64(got.Value().(float32)), deltaForTests)
}

func TestProtoLossGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1)
	got, grad := loss.CalcWithGrad(feat, mask, &CallOptions{Mean: mean})
	require.InDelta(t, 1.31326, float64(got.Value().(float32)), deltaForTests)

	// softmax([1, 2]) = [0.26894, 0.73106]; with identity prototypes the
	// feature gradient of token 0 is softmax - onehot(0). The ignored token
	// (odd flat positions) must get exactly zero.
	require.Equal(t, []int{1, 2, 1, 2}, grad.Shape().Dimensions)
	flatGrad := grad.Value().([][][][]float32)
	require.InDelta(t, -0.73106, float64(flatGrad[0][0][0][0]), deltaForTests)
	require.InDelta(t, 0.73106, float64(flatGrad[0][1][0][0]), deltaForTests)
	require.Zero(t, flatGrad[0][0][0][1])
	require.Zero(t, flatGrad[0][1][0][1])
}

func TestAllIgnoredBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, _, mean := testFixture()
	mask := tensors.FromFlatDataAndDimensions([]int32{255, 255}, 1, 1, 2)
	loss := New(backend, 2).WithTemperature(1)

	got, grad := loss.CalcWithGrad(feat, mask, &CallOptions{Mean: mean})
	require.True(t, got.IsScalar())
	require.Zero(t, got.Value().(float32))
	require.Equal(t, feat.Shape().Dimensions, grad.Shape().Dimensions)
	grad.ConstFlatData(func(flat any) {
		for _, v := range flat.([]float32) {
			require.Zero(t, v)
		}
	})
}

func TestDistLossZeroCovarianceMatchesProto(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	cov := tensors.FromShape(mean.Shape())
	loss := New(backend, 2).WithDist().WithTemperature(1)
	got := loss.Calc(feat, mask, &CallOptions{Mean: mean, Covariance: cov})
	require.InDelta(t, 1.31326, float64(got.Value().(float32)), deltaForTests)
}

func TestDistLossRequiresCovariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithDist().WithTemperature(1)
	require.Panics(t, func() { loss.Calc(feat, mask, &CallOptions{Mean: mean}) })
}

type staticBank [][][]float32

func (b staticBank) NumClasses() int { return len(b) }

func (b staticBank) Exemplars(cls int) []*tensors.Tensor {
	exemplars := make([]*tensors.Tensor, len(b[cls]))
	for i, vec := range b[cls] {
		exemplars[i] = tensors.FromFlatDataAndDimensions(vec, len(vec))
	}
	return exemplars
}

func TestBankLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Two tokens, none ignored: token 0 = [1, 2] labeled 0,
	// token 1 = [3, 1] labeled 1.
	feat := tensors.FromFlatDataAndDimensions([]float32{1, 3, 2, 1}, 1, 2, 1, 2)
	mask := tensors.FromFlatDataAndDimensions([]int32{0, 1}, 1, 1, 2)
	bank := staticBank{{{1, 0}}, {{0, 1}}}

	loss := New(backend, 2).WithBank().WithTemperature(1)
	got := loss.Calc(feat, mask, &CallOptions{Bank: bank})
	// Token 0: log1p(exp(2-1)); token 1: log1p(exp(3-1)); mean of both.
	require.InDelta(t, (1.31326+2.12693)/2, float64(got.Value().(float32)), deltaForTests)

	// Elementwise: one loss per token, grouped by class, all non-negative.
	got = loss.Calc(feat, mask, &CallOptions{Bank: bank, ReductionOverride: ReductionNone})
	require.Equal(t, []int{2}, got.Shape().Dimensions)
	for _, v := range got.Value().([]float32) {
		require.GreaterOrEqual(t, v, float32(0))
	}
}

func TestBankLossShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Four tokens over three classes (class 1 twice), banks with one to
	// three exemplars per class.
	feat := tensors.FromFlatDataAndDimensions([]float32{
		1, 3, 0, 2,
		2, 1, 1, 0,
	}, 1, 2, 2, 2)
	mask := tensors.FromFlatDataAndDimensions([]int32{0, 1, 1, 2}, 1, 1, 2, 2)
	bank := staticBank{
		{{1, 0}},
		{{0, 1}, {1, 1}},
		{{2, 0}, {0, 2}, {1, 2}},
	}

	loss := New(backend, 3).WithBank().WithTemperature(10)
	got := loss.Calc(feat, mask, &CallOptions{Bank: bank, ReductionOverride: ReductionNone})
	// One loss row per surviving token, grouped by class.
	require.Equal(t, []int{4}, got.Shape().Dimensions)
	for _, v := range got.Value().([]float32) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		require.GreaterOrEqual(t, v, float32(0))
	}
}

func TestBankLossRequiresBank(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, _ := testFixture()
	loss := New(backend, 2).WithBank().WithTemperature(1)
	require.Panics(t, func() { loss.Calc(feat, mask, nil) })
}

func TestRegularizationIsAdditive(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()

	base := New(backend, 2).WithTemperature(1)
	withReg := New(backend, 2).WithTemperature(1).WithReg(0.5)
	opts := &CallOptions{Mean: mean}
	baseLoss := float64(base.Calc(feat, mask, opts).Value().(float32))
	regLoss := float64(withReg.Calc(feat, mask, opts).Value().(float32))

	// Mean surviving feature is [1, 2]; against identity prototypes its
	// log-softmax sums to -(1.31326 + 0.31326), normalized by 2·ln 2.
	regTerm := -(1.31326 + 0.31326) / (2 * 0.69315)
	require.InDelta(t, baseLoss+0.5*regTerm, regLoss, deltaForTests)
}

func TestVariantsMutuallyExclusive(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	require.Panics(t, func() { New(backend, 2).WithDist().WithBank() })
	require.Panics(t, func() { New(backend, 2).WithBank().WithDist() })
}

func TestCalcMulti(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1).WithLossWeights([]float64{1, 0.5})

	got := loss.CalcMulti([]*tensors.Tensor{feat, feat}, mask, &CallOptions{
		Means: []*tensors.Tensor{mean, mean},
	})
	require.InDelta(t, 1.5*1.31326, float64(got.Value().(float32)), deltaForTests)

	// Elementwise losses cannot be summed across branches.
	require.Panics(t, func() {
		loss.CalcMulti([]*tensors.Tensor{feat, feat}, mask, &CallOptions{
			Means:             []*tensors.Tensor{mean, mean},
			ReductionOverride: ReductionNone,
		})
	})
}

func TestCalcMultiWithGrad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	feat, mask, mean := testFixture()
	loss := New(backend, 2).WithTemperature(1)
	got, grads := loss.CalcMultiWithGrad([]*tensors.Tensor{feat, feat}, mask, &CallOptions{
		Means: []*tensors.Tensor{mean, mean},
	})
	require.InDelta(t, 2*1.31326, float64(got.Value().(float32)), deltaForTests)
	require.Len(t, grads, 2)
	for _, grad := range grads {
		require.Equal(t, feat.Shape().Dimensions, grad.Shape().Dimensions)
	}
}
