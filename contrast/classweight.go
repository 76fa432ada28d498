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
	"encoding/json"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	ptypes "github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// LoadClassWeight reads a per-class loss rescaling vector from a file. The
// format follows the extension: ".npy" (1-D float array), ".pkl" (pickled
// sequence of numbers), ".json" or ".yaml"/".yml" (array of numbers). Any
// other extension is a configuration error.
func LoadClassWeight(path string) ([]float64, error) {
	var weights []float64
	switch {
	case strings.HasSuffix(path, ".npy"):
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open class-weight file %q", path)
		}
		defer func() { _ = file.Close() }()
		weights, err = readNpyVector(file)
		if err != nil {
			return nil, errors.WithMessagef(err, "class-weight file %q", path)
		}

	case strings.HasSuffix(path, ".pkl"):
		obj, err := pickle.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to unpickle class-weight file %q", path)
		}
		weights, err = pickledNumbers(obj)
		if err != nil {
			return nil, errors.WithMessagef(err, "class-weight file %q", path)
		}

	case strings.HasSuffix(path, ".json"):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read class-weight file %q", path)
		}
		if err = json.Unmarshal(data, &weights); err != nil {
			return nil, errors.Wrapf(err, "failed to parse class-weight file %q", path)
		}

	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read class-weight file %q", path)
		}
		if err = yaml.Unmarshal(data, &weights); err != nil {
			return nil, errors.Wrapf(err, "failed to parse class-weight file %q", path)
		}

	default:
		return nil, errors.Errorf("unsupported class-weight file format: %q", path)
	}
	klog.V(1).Infof("Loaded %d class weights from %q", len(weights), path)
	return weights, nil
}

// pickledNumbers converts a sequence unpickled by gopickle into []float64.
func pickledNumbers(obj any) ([]float64, error) {
	var items []any
	switch seq := obj.(type) {
	case *ptypes.List:
		items = *seq
	case *ptypes.Tuple:
		items = *seq
	case []any:
		items = seq
	default:
		return nil, errors.Errorf("pickled object is a %T, want a sequence of numbers", obj)
	}
	weights := make([]float64, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case float64:
			weights[i] = v
		case float32:
			weights[i] = float64(v)
		case int:
			weights[i] = float64(v)
		case int64:
			weights[i] = float64(v)
		default:
			return nil, errors.Errorf("pickled element %d is a %T, want a number", i, item)
		}
	}
	return weights, nil
}
