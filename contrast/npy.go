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
	"encoding/binary"
	"io"
	"math"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Minimal reader for NumPy ".npy" files holding a 1-D float vector, enough for
// class-weight files. Only little-endian f4/f8 data in C order is accepted.

var npyHeaderRegexp = regexp.MustCompile(
	`'descr':\s*'([<|=]?[a-z][0-9]+)'.*'fortran_order':\s*(True|False).*'shape':\s*\((\d*)\s*,?\s*\)`)

func readNpyVector(r io.Reader) ([]float64, error) {
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}

	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}
	var headerLen int
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	// Example header: "{'descr': '<f4', 'fortran_order': False, 'shape': (19,), }"
	match := npyHeaderRegexp.FindStringSubmatch(string(headerBytes))
	if match == nil {
		return nil, errors.Errorf("unsupported .npy header %q: want a 1-D array", string(headerBytes))
	}
	descr, fortran, shapeStr := match[1], match[2], match[3]
	if fortran == "True" {
		return nil, errors.Errorf("fortran-order .npy files are not supported")
	}
	if shapeStr == "" {
		return nil, errors.Errorf("scalar .npy files are not supported, want a 1-D array")
	}
	numElements, err := strconv.Atoi(shapeStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid .npy shape %q", shapeStr)
	}

	var elementSize int
	switch descr {
	case "<f4", "|f4", "=f4", "f4":
		elementSize = 4
	case "<f8", "|f8", "=f8", "f8":
		elementSize = 8
	default:
		return nil, errors.Errorf("unsupported .npy dtype %q: want little-endian f4 or f8", descr)
	}

	data := make([]byte, numElements*elementSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	values := make([]float64, numElements)
	for i := range values {
		if elementSize == 4 {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		} else {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	}
	return values, nil
}
