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
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// runReduce evaluates WeightReduceLoss on a fixed loss/weight pair.
func runReduce(t *testing.T, withWeight bool, reduction Reduction, avgFactor float64) any {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	loss := Const(g, []float32{1, 2, 3})
	var weight *Node
	if withWeight {
		weight = Const(g, []float32{1, 0, 1})
	}
	out := WeightReduceLoss(loss, weight, reduction, avgFactor)
	g.Compile(out)
	return g.Run()[0].Value()
}

func TestWeightReduceLoss(t *testing.T) {
	// Weighted mean divides by the element count, not the weight sum.
	require.InDelta(t, 4.0/3, float64(runReduce(t, true, ReductionMean, 0).(float32)), deltaForTests)
	// avgFactor replaces the divisor.
	require.InDelta(t, 2.0, float64(runReduce(t, true, ReductionMean, 2).(float32)), deltaForTests)
	// None keeps the weighted elementwise losses.
	require.InDeltaSlice(t, []float32{1, 0, 3}, runReduce(t, true, ReductionNone, 0), deltaForTests)
	require.InDeltaSlice(t, []float32{1, 2, 3}, runReduce(t, false, ReductionNone, 0), deltaForTests)
	// Unweighted sum and mean.
	require.InDelta(t, 6.0, float64(runReduce(t, false, ReductionSum, 0).(float32)), deltaForTests)
	require.InDelta(t, 2.0, float64(runReduce(t, false, ReductionMean, 0).(float32)), deltaForTests)
}

func TestWeightReduceLossSumWithAvgFactorPanics(t *testing.T) {
	require.Panics(t, func() { runReduce(t, false, ReductionSum, 2) })
}

func TestWeightReduceLossBroadcastsColumnWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	loss := Const(g, [][]float32{{1, 2}, {3, 4}})
	weight := Const(g, [][]float32{{2}, {0}})
	out := WeightReduceLoss(loss, weight, ReductionNone, 0)
	g.Compile(out)
	got := g.Run()[0].Value().([][]float32)
	require.InDeltaSlice(t, []float32{2, 4}, got[0], deltaForTests)
	require.InDeltaSlice(t, []float32{0, 0}, got[1], deltaForTests)
}

func TestReductionString(t *testing.T) {
	require.Equal(t, "none", ReductionNone.String())
	require.Equal(t, "mean", ReductionMean.String())
	require.Equal(t, "sum", ReductionSum.String())
}
