// Package kernels implements host-side tensor fills for the operators whose
// values must be reproducible across executions: the values are drawn on the
// host from a seeded generator and embedded in the graph as constants, instead
// of being sampled by the backend.
package kernels

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Uniform creates a tensor of the given dtype and dimensions filled with
// values drawn uniformly from [minVal, maxVal), deterministically from seed:
// the same seed, shape and range always produce the same tensor.
//
// If diagNum > 0, flat positions i*diagStep for i in [0, diagNum) are then
// overwritten with diagVal; diagStep must be positive and the last position
// must fall within the tensor.
//
// Only float dtypes are supported.
func Uniform(dtype dtypes.DType, dims []int, seed int64, minVal, maxVal float64,
	diagNum, diagStep int, diagVal float64) (*tensors.Tensor, error) {
	if maxVal < minVal {
		return nil, errors.Errorf("min=%v must be <= max=%v", minVal, maxVal)
	}
	shape := shapes.Make(dtype, dims...)
	if diagNum > 0 {
		if diagStep <= 0 {
			return nil, errors.Errorf("diag_step=%d must be positive when diag_num=%d is set", diagStep, diagNum)
		}
		if last := (diagNum - 1) * diagStep; last >= shape.Size() {
			return nil, errors.Errorf("last diagonal position %d is out of range for %d elements", last, shape.Size())
		}
	}
	t := tensors.FromShape(shape)
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	switch dtype {
	case dtypes.Float32:
		fillUniform(t, rng, float32(minVal), float32(maxVal), diagNum, diagStep, float32(diagVal), math32.Nextafter)
	case dtypes.Float64:
		fillUniform(t, rng, minVal, maxVal, diagNum, diagStep, diagVal, math.Nextafter)
	default:
		return nil, errors.Errorf("uniform fill not implemented for dtype %s", dtype)
	}
	return t, nil
}

// fillUniform fills the tensor's flat data with minVal + u*(maxVal-minVal) for
// uniform u in [0, 1), then applies the diagonal overlay. nextAfter pulls a
// sample that rounded up onto maxVal back below it, keeping the interval
// half-open in the tensor's own precision.
func fillUniform[T interface{ float32 | float64 }](t *tensors.Tensor, rng *rand.Rand,
	minVal, maxVal T, diagNum, diagStep int, diagVal T, nextAfter func(x, y T) T) {
	tensors.MutableFlatData[T](t, func(flat []T) {
		scale := maxVal - minVal
		for ii := range flat {
			v := minVal + T(rng.Float64())*scale
			if v >= maxVal && maxVal > minVal {
				v = nextAfter(maxVal, minVal)
			}
			flat[ii] = v
		}
		for ii := 0; ii < diagNum; ii++ {
			flat[ii*diagStep] = diagVal
		}
	})
}
