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
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// ContrastiveLoss is the configurable dispatcher over the three loss variants.
// Configure it with the With* chainable setters; at most one of WithDist and
// WithBank may be selected, neither meaning the prototype-contrastive variant.
//
// A ContrastiveLoss is not safe for concurrent use: callers must also
// guarantee the externally owned mean/covariance/bank structures are not
// mutated while a loss call is in flight.
type ContrastiveLoss struct {
	backend    backends.Backend
	numClasses int

	useDist, useBank, useReg bool
	contrastTemp             float64
	ratio                    float64
	regWeight                float64
	ignoreIndex              int
	reduction                Reduction
	classWeight              []float64
	lossWeight               float64
	lossWeights              []float64

	alignExec    *Exec
	variantExecs map[string]*Exec
	classWeight32, classWeight64 *tensors.Tensor
}

// New creates a ContrastiveLoss computing, by default, the
// prototype-contrastive variant with temperature 100, mean reduction, ignore
// index 255 and loss weight 1.
func New(backend backends.Backend, numClasses int) *ContrastiveLoss {
	if numClasses < 2 {
		Panicf("numClasses must be >= 2, got %d", numClasses)
	}
	return &ContrastiveLoss{
		backend:      backend,
		numClasses:   numClasses,
		contrastTemp: DefaultContrastTemp,
		ratio:        1.0,
		regWeight:    1.0,
		ignoreIndex:  DefaultIgnoreIndex,
		reduction:    ReductionMean,
		lossWeight:   1.0,
		alignExec:    NewExec(backend, AlignMask),
		variantExecs: make(map[string]*Exec),
	}
}

// WithDist selects the distribution-contrastive variant (mean + covariance).
// Mutually exclusive with WithBank.
func (l *ContrastiveLoss) WithDist() *ContrastiveLoss {
	if l.useBank {
		Panicf("the distribution and bank variants are mutually exclusive")
	}
	l.useDist = true
	return l
}

// WithBank selects the bank-contrastive variant (memory-bank negatives).
// Mutually exclusive with WithDist.
func (l *ContrastiveLoss) WithBank() *ContrastiveLoss {
	if l.useDist {
		Panicf("the distribution and bank variants are mutually exclusive")
	}
	l.useBank = true
	return l
}

// WithReg enables the prototype regularization term with the given relative
// weight.
func (l *ContrastiveLoss) WithReg(relativeWeight float64) *ContrastiveLoss {
	l.useReg = true
	l.regWeight = relativeWeight
	return l
}

// WithTemperature sets the contrast temperature dividing all similarity
// scores.
func (l *ContrastiveLoss) WithTemperature(temp float64) *ContrastiveLoss {
	if temp <= 0 {
		Panicf("contrast temperature must be > 0, got %g", temp)
	}
	l.contrastTemp = temp
	return l
}

// WithRatio sets the covariance scaling ratio of the distribution variant.
func (l *ContrastiveLoss) WithRatio(ratio float64) *ContrastiveLoss {
	l.ratio = ratio
	return l
}

// WithReduction sets the default reduction; it can still be overridden per
// call.
func (l *ContrastiveLoss) WithReduction(reduction Reduction) *ContrastiveLoss {
	l.reduction = validReduction(reduction)
	return l
}

// WithIgnoreIndex sets the reserved label value excluded from the loss.
func (l *ContrastiveLoss) WithIgnoreIndex(ignoreIndex int) *ContrastiveLoss {
	l.ignoreIndex = ignoreIndex
	return l
}

// WithClassWeight sets a per-class rescaling of the cross-entropy term. Not
// used by the bank variant.
func (l *ContrastiveLoss) WithClassWeight(weights []float64) *ContrastiveLoss {
	if len(weights) != l.numClasses {
		Panicf("class weight has %d entries, want numClasses=%d", len(weights), l.numClasses)
	}
	l.classWeight = weights
	l.classWeight32, l.classWeight64 = nil, nil
	return l
}

// WithClassWeightFile loads the per-class rescaling vector from a file (see
// LoadClassWeight). A load failure is a configuration error and panics.
func (l *ContrastiveLoss) WithClassWeightFile(path string) *ContrastiveLoss {
	weights, err := LoadClassWeight(path)
	if err != nil {
		Panicf("failed to load class weight: %+v", err)
	}
	return l.WithClassWeight(weights)
}

// WithLossWeight sets the overall scalar weight multiplying the loss. For
// multi-branch calls the scalar is broadcast to every branch.
func (l *ContrastiveLoss) WithLossWeight(weight float64) *ContrastiveLoss {
	l.lossWeight = weight
	l.lossWeights = nil
	return l
}

// WithLossWeights sets one loss weight per branch, for CalcMulti calls whose
// feature list has exactly len(weights) entries.
func (l *ContrastiveLoss) WithLossWeights(weights []float64) *ContrastiveLoss {
	l.lossWeights = weights
	return l
}

// NumClasses returns the configured number of classes.
func (l *ContrastiveLoss) NumClasses() int { return l.numClasses }

// CallOptions carries the per-call inputs of Calc and CalcMulti beyond the
// features and mask. The mean/covariance/bank handles are owned by the caller
// (typically package estimator trackers) and read-only during the call.
//
// The zero value of ReductionOverride means "use the configured default".
// AvgFactor > 0 replaces the mean-reduction divisor by the given value (e.g.
// a valid-token count); it cannot be combined with ReductionSum.
type CallOptions struct {
	// Mean are the class prototypes, shaped (numClasses, channels). Required
	// by the prototype and distribution variants, and by the bank variant
	// when regularization is enabled.
	Mean *tensors.Tensor

	// Covariance is the per-class diagonal variance, shaped
	// (numClasses, channels). Required by the distribution variant.
	Covariance *tensors.Tensor

	// Bank supplies per-class exemplars. Required by the bank variant.
	Bank Bank

	// Means, Covariances and Banks are the per-branch counterparts used by
	// CalcMulti; entry i serves branch i.
	Means       []*tensors.Tensor
	Covariances []*tensors.Tensor
	Banks       []Bank

	// Weight is an optional per-token weight paralleling the elementwise
	// loss (note the bank variant's class-grouped row order).
	Weight *tensors.Tensor

	// AvgFactor, when > 0, normalizes the mean reduction by this value
	// instead of the element count.
	AvgFactor float64

	// ReductionOverride, when set, takes precedence over the configured
	// reduction for this call only.
	ReductionOverride Reduction
}

// Calc computes the configured loss for a single feature tensor, shaped
// (batch, channels, height, width), against a label mask shaped
// (batch, h, w), (batch, 1, h, w) or (batch, k, h, w). It returns the reduced
// loss (or the elementwise loss under ReductionNone), already multiplied by
// the loss weight.
//
// If every token is labeled with the ignore index the result is a zero scalar
// and no gradient flows: callers must tolerate all-ignored batches.
func (l *ContrastiveLoss) Calc(feat, mask *tensors.Tensor, opts *CallOptions) *tensors.Tensor {
	loss, _ := l.branchLoss(feat, mask, opts, -1, l.lossWeight, false)
	return loss
}

// CalcWithGrad is Calc plus the gradient of the loss with respect to feat.
// The effective reduction must produce a scalar (mean or sum). Tokens dropped
// by the ignore filter get zero gradient.
func (l *ContrastiveLoss) CalcWithGrad(feat, mask *tensors.Tensor, opts *CallOptions) (loss, grad *tensors.Tensor) {
	return l.branchLoss(feat, mask, opts, -1, l.lossWeight, true)
}

// CalcMulti computes the loss over a list of feature tensors (multiple scales
// or branches sharing one mask), weighting each branch's loss by the
// corresponding loss weight and summing. Per-branch statistics come from the
// Means/Covariances/Banks fields of opts. Every branch must reduce to a
// scalar.
func (l *ContrastiveLoss) CalcMulti(feats []*tensors.Tensor, mask *tensors.Tensor, opts *CallOptions) *tensors.Tensor {
	loss, _ := l.calcMulti(feats, mask, opts, false)
	return loss
}

// CalcMultiWithGrad is CalcMulti plus one gradient tensor per branch.
func (l *ContrastiveLoss) CalcMultiWithGrad(feats []*tensors.Tensor, mask *tensors.Tensor, opts *CallOptions) (loss *tensors.Tensor, grads []*tensors.Tensor) {
	return l.calcMulti(feats, mask, opts, true)
}

func (l *ContrastiveLoss) calcMulti(feats []*tensors.Tensor, mask *tensors.Tensor, opts *CallOptions, withGrad bool) (*tensors.Tensor, []*tensors.Tensor) {
	if len(feats) == 0 {
		Panicf("CalcMulti requires at least one feature tensor")
	}
	weights := l.branchWeights(len(feats))
	dtype := feats[0].DType()
	total := 0.0
	grads := make([]*tensors.Tensor, len(feats))
	for i, feat := range feats {
		loss, grad := l.branchLoss(feat, mask, opts, i, weights[i], withGrad)
		if !loss.IsScalar() {
			Panicf("multi-branch losses must reduce to scalars to be summed; "+
				"branch %d produced %s", i, loss.Shape())
		}
		total += scalarToFloat(loss)
		grads[i] = grad
	}
	return tensors.FromAnyValue(shapes.CastAsDType(total, dtype)), grads
}

// branchWeights broadcasts the scalar loss weight into a per-branch list, or
// validates the explicitly configured one.
func (l *ContrastiveLoss) branchWeights(numBranches int) []float64 {
	if l.lossWeights == nil {
		weights := make([]float64, numBranches)
		for i := range weights {
			weights[i] = l.lossWeight
		}
		return weights
	}
	if len(l.lossWeights) != numBranches {
		Panicf("got %d loss weights for %d branches", len(l.lossWeights), numBranches)
	}
	return l.lossWeights
}

// branchStats resolves the mean/covariance/bank handles for a branch; index
// < 0 means the single-tensor call path.
func (l *ContrastiveLoss) branchStats(opts *CallOptions, index int) (mean, cov *tensors.Tensor, bank Bank) {
	if index < 0 {
		return opts.Mean, opts.Covariance, opts.Bank
	}
	if opts.Means != nil {
		if index >= len(opts.Means) {
			Panicf("Means has %d entries, want one per branch (index=%d)", len(opts.Means), index)
		}
		mean = opts.Means[index]
	}
	if opts.Covariances != nil {
		if index >= len(opts.Covariances) {
			Panicf("Covariances has %d entries, want one per branch (index=%d)", len(opts.Covariances), index)
		}
		cov = opts.Covariances[index]
	}
	if opts.Banks != nil {
		if index >= len(opts.Banks) {
			Panicf("Banks has %d entries, want one per branch (index=%d)", len(opts.Banks), index)
		}
		bank = opts.Banks[index]
	}
	return
}

func validReduction(reduction Reduction) Reduction {
	switch reduction {
	case ReductionNone, ReductionMean, ReductionSum:
		return reduction
	}
	Panicf("invalid reduction %d, want one of none/mean/sum", reduction)
	return reductionUnset
}

// branchLoss computes one branch's loss (and optionally its gradient w.r.t.
// feat). It aligns the mask to the features, filters ignored tokens on the
// host, and executes a cached compiled graph for everything else.
func (l *ContrastiveLoss) branchLoss(feat, mask *tensors.Tensor, opts *CallOptions, index int, lossWeight float64, withGrad bool) (loss, grad *tensors.Tensor) {
	if opts == nil {
		opts = &CallOptions{}
	}
	reduction := l.reduction
	if opts.ReductionOverride != reductionUnset {
		reduction = validReduction(opts.ReductionOverride)
	}
	if withGrad && reduction == ReductionNone {
		Panicf("gradients require a scalar loss; reduction=%q does not reduce", reduction)
	}
	dtype := feat.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("feature dtype must be float32 or float64, got %s", dtype)
	}

	mean, cov, bank := l.branchStats(opts, index)
	switch {
	case l.useDist:
		if mean == nil {
			Panicf("parameter mean required by the distribution-contrastive loss")
		}
		if cov == nil {
			Panicf("parameter covariance required by the distribution-contrastive loss")
		}
	case l.useBank:
		if bank == nil {
			Panicf("parameter bank required by the bank-contrastive loss")
		}
		if l.useReg && mean == nil {
			Panicf("parameter mean required when regularization is enabled")
		}
	default:
		if mean == nil {
			Panicf("parameter mean required by the prototype-contrastive loss")
		}
	}

	flatLabels := l.alignExec.Call(feat, mask)[0]
	keepIdx, kept := FilterIgnored(flatLabels, l.ignoreIndex)
	if len(keepIdx) == 0 {
		// All tokens ignored: defined zero loss, detached from the graph.
		loss = tensors.FromAnyValue(shapes.CastAsDType(0.0, dtype))
		if withGrad {
			grad = tensors.FromShape(feat.Shape())
		}
		return
	}

	channels := feat.Shape().Dim(1)
	regWeight := 0.0
	if l.useReg {
		regWeight = l.regWeight
	}

	var key strings.Builder
	var inputs []*tensors.Tensor
	addInput := func(tag string, t *tensors.Tensor) {
		fmt.Fprintf(&key, "|%s=%s", tag, t.Shape())
		inputs = append(inputs, t)
	}
	fmt.Fprintf(&key, "variant=%s|reduction=%s|avgFactor=%g|temp=%g|ratio=%g|regW=%g|lossW=%g|grad=%v",
		l.variantName(), reduction, opts.AvgFactor, l.contrastTemp, l.ratio, regWeight, lossWeight, withGrad)
	addInput("feat", feat)

	var groupsPresent []bool
	if l.useBank {
		groups := groupByClass(keepIdx, kept, l.numClasses)
		groupsPresent = make([]bool, l.numClasses)
		for cls, group := range groups {
			if len(group) == 0 {
				continue
			}
			groupsPresent[cls] = true
			addInput(fmt.Sprintf("group%d", cls), tensors.FromFlatDataAndDimensions(group, len(group)))
		}
		for cls, mat := range snapshotBank(bank, l.numClasses, channels, dtype) {
			addInput(fmt.Sprintf("bank%d", cls), mat)
		}
		if regWeight > 0 {
			addInput("keep", tensors.FromFlatDataAndDimensions(keepIdx, len(keepIdx)))
		}
	} else {
		addInput("keep", tensors.FromFlatDataAndDimensions(keepIdx, len(keepIdx)))
		addInput("labels", tensors.FromFlatDataAndDimensions(kept, len(kept)))
	}
	if mean != nil {
		addInput("mean", mean)
	}
	if cov != nil && l.useDist {
		addInput("cov", cov)
	}
	if cw := l.classWeightTensor(dtype); cw != nil && !l.useBank {
		addInput("classWeight", cw)
	}
	if opts.Weight != nil {
		addInput("weight", opts.Weight)
	}

	exec := l.variantExecs[key.String()]
	if exec == nil {
		exec = l.newVariantExec(reduction, opts.AvgFactor, lossWeight, regWeight,
			groupsPresent, mean != nil, cov != nil && l.useDist,
			l.classWeight != nil && !l.useBank, opts.Weight != nil, withGrad)
		l.variantExecs[key.String()] = exec
		klog.V(2).Infof("contrast: compiling %s loss graph (%s)", l.variantName(), key.String())
	}

	results := exec.Call(tensorsToAny(inputs)...)
	loss = results[0]
	if withGrad {
		grad = results[1]
	}
	return
}

func (l *ContrastiveLoss) variantName() string {
	switch {
	case l.useDist:
		return "dist"
	case l.useBank:
		return "bank"
	}
	return "proto"
}

// newVariantExec builds the executor for one fully resolved call plan. The
// closure pops its inputs in the exact order branchLoss assembled them.
func (l *ContrastiveLoss) newVariantExec(reduction Reduction, avgFactor, lossWeight, regWeight float64,
	groupsPresent []bool, hasMean, hasCov, hasClassWeight, hasWeight, withGrad bool) *Exec {
	contrastNorm := float64(l.numClasses) * math.Log(float64(l.numClasses))
	return NewExec(l.backend, func(ins []*Node) []*Node {
		i := 0
		next := func() *Node {
			n := ins[i]
			i++
			return n
		}
		feat := next()
		flat := flattenFeatures(feat)

		var losses, regFeat, mean *Node
		if l.useBank {
			clsFeats := make([]*Node, l.numClasses)
			for cls, present := range groupsPresent {
				if present {
					clsFeats[cls] = gatherRows(flat, next())
				}
			}
			banks := make([]*Node, l.numClasses)
			for cls := range banks {
				banks[cls] = next()
			}
			losses = bankContrastiveLosses(clsFeats, banks, l.contrastTemp)
			if regWeight > 0 {
				regFeat = gatherRows(flat, next())
			}
		} else {
			featKept := gatherRows(flat, next())
			labels := next()
			regFeat = featKept
			mean = next()
			var classWeight *Node
			if l.useDist {
				cov := next()
				if hasClassWeight {
					classWeight = next()
				}
				losses = distContrastiveLosses(featKept, labels, mean, cov, classWeight, l.ratio, l.contrastTemp)
			} else {
				if hasClassWeight {
					classWeight = next()
				}
				losses = protoContrastiveLosses(featKept, labels, mean, classWeight, l.contrastTemp)
			}
		}
		if l.useBank && hasMean {
			mean = next()
		}

		var weight *Node
		if hasWeight {
			weight = ConvertDType(next(), feat.DType())
		}
		loss := WeightReduceLoss(losses, weight, reduction, avgFactor)
		if regWeight > 0 {
			loss = Add(loss, MulScalar(
				ProtoRegularization(regFeat, mean, l.contrastTemp, contrastNorm), regWeight))
		}
		if lossWeight != 1 {
			loss = MulScalar(loss, lossWeight)
		}

		if !withGrad {
			return []*Node{loss}
		}
		if !loss.Shape().IsScalar() {
			Panicf("gradients require a scalar loss, got %s", loss.Shape())
		}
		return []*Node{loss, Gradient(loss, feat)[0]}
	})
}

// classWeightTensor materializes the configured class weights with the
// feature dtype, cached per dtype.
func (l *ContrastiveLoss) classWeightTensor(dtype dtypes.DType) *tensors.Tensor {
	if l.classWeight == nil {
		return nil
	}
	switch dtype {
	case dtypes.Float32:
		if l.classWeight32 == nil {
			w := make([]float32, len(l.classWeight))
			for i, v := range l.classWeight {
				w[i] = float32(v)
			}
			l.classWeight32 = tensors.FromFlatDataAndDimensions(w, len(w))
		}
		return l.classWeight32
	case dtypes.Float64:
		if l.classWeight64 == nil {
			l.classWeight64 = tensors.FromFlatDataAndDimensions(l.classWeight, len(l.classWeight))
		}
		return l.classWeight64
	}
	Panicf("unsupported feature dtype %s for class weights", dtype)
	return nil
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for i, t := range ts {
		args[i] = t
	}
	return args
}

func scalarToFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	Panicf("expected a float scalar, got %s", t.Shape())
	return 0
}
