package paddle

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// ErrInvalidSpec is the cause of errors returned when a requested target shape
// violates the reshape rules: non-empty, at most one -1 ("infer this axis"),
// no negative entries other than -1, every 0 ("copy this axis from the
// source") at a position within the source rank, and total element count
// matching the source once fully resolved.
var ErrInvalidSpec = errors.New("invalid shape spec")

// ResolveReshape resolves a requested target shape against the shape being
// reshaped, at shape-inference time.
//
// spec is the target shape: a -1 entry marks the single axis whose dimension
// is inferred so that the total element count matches the source; a 0 entry at
// position i copies source dimension #i, which can only happen at execution
// time once the source shape is trusted to be the concrete runtime shape.
//
// If spec contains any 0, resolution is deferred: ResolveReshape returns a raw
// copy of spec (0 and -1 entries left as placeholders, not yet substituted)
// and deferred=true, and skips the total-size checks; the caller is expected
// to invoke MaterializeReshape once the concrete source shape is known.
// Otherwise resolved is fully concrete and deferred=false.
//
// ResolveReshape is a pure function and safe for concurrent use.
func ResolveReshape(spec []int, source shapes.Shape) (resolved []int, deferred bool, err error) {
	if len(spec) == 0 {
		err = errors.WithMessage(ErrInvalidSpec, "shape must be non-empty")
		return
	}
	unknownIdx := -1
	for ii, dim := range spec {
		switch {
		case dim == -1:
			if unknownIdx >= 0 {
				err = errors.WithMessagef(ErrInvalidSpec, "at most one unknown dimension allowed, got %v", spec)
				return
			}
			unknownIdx = ii
		case dim == 0:
			if ii >= source.Rank() {
				err = errors.WithMessagef(ErrInvalidSpec,
					"a copy-dimension index must be within the source rank: position %d, but source %s has rank %d",
					ii, source, source.Rank())
				return
			}
			deferred = true
		case dim < 0:
			err = errors.WithMessagef(ErrInvalidSpec,
				"each entry must be positive, or the sole entry may be -1, got %d at position %d", dim, ii)
			return
		}
	}
	resolved = slices.Clone(spec)
	if deferred {
		return
	}
	resolved, err = inferUnknownDim(resolved, unknownIdx, source)
	return
}

// MaterializeReshape is the execution-time counterpart of ResolveReshape: the
// source is now the concrete runtime shape, so 0 entries are substituted with
// the corresponding source dimensions, the -1 entry (if any) is inferred, and
// the total element count is checked. It never defers.
func MaterializeReshape(spec []int, source shapes.Shape) ([]int, error) {
	if len(spec) == 0 {
		return nil, errors.WithMessage(ErrInvalidSpec, "shape must be non-empty")
	}
	dims := slices.Clone(spec)
	unknownIdx := -1
	for ii, dim := range dims {
		switch {
		case dim == -1:
			if unknownIdx >= 0 {
				return nil, errors.WithMessagef(ErrInvalidSpec, "at most one unknown dimension allowed, got %v", spec)
			}
			unknownIdx = ii
		case dim == 0:
			if ii >= source.Rank() {
				return nil, errors.WithMessagef(ErrInvalidSpec,
					"a copy-dimension index must be within the source rank: position %d, but source %s has rank %d",
					ii, source, source.Rank())
			}
			dims[ii] = source.Dimensions[ii]
		case dim < 0:
			return nil, errors.WithMessagef(ErrInvalidSpec,
				"each entry must be positive, or the sole entry may be -1, got %d at position %d", dim, ii)
		}
	}
	return inferUnknownDim(dims, unknownIdx, source)
}

// inferUnknownDim fills in dims[unknownIdx] (if unknownIdx >= 0) so that the
// product of dims matches the source's total element count, and checks the
// totals match exactly. All entries of dims other than unknownIdx must already
// be concrete.
func inferUnknownDim(dims []int, unknownIdx int, source shapes.Shape) ([]int, error) {
	total := source.Size()
	knownProduct := 1
	for ii, dim := range dims {
		if ii == unknownIdx {
			continue
		}
		knownProduct *= dim
	}
	if unknownIdx >= 0 {
		if knownProduct == 0 || total%knownProduct != 0 {
			return nil, errors.WithMessagef(ErrInvalidSpec,
				"shape %v is incompatible with input size %d (source %s)", dims, total, source)
		}
		dims[unknownIdx] = total / knownProduct
		return dims, nil
	}
	if knownProduct != total {
		return nil, errors.WithMessagef(ErrInvalidSpec,
			"shape %v holds %d elements, but input %s holds %d", dims, knownProduct, source, total)
	}
	return dims, nil
}

// BatchSizeLikeShape derives the output shape of the *_batch_size_like
// operators: dims is taken literally, except that dims[outputAxis] is replaced
// by ref.Dim(inputAxis) -- a restricted form of the reshape copy-dimension
// rule where exactly one axis is copied from a reference tensor.
func BatchSizeLikeShape(ref shapes.Shape, dims []int, inputAxis, outputAxis int) ([]int, error) {
	if len(dims) == 0 {
		return nil, errors.WithMessage(ErrInvalidSpec, "shape must be non-empty")
	}
	if inputAxis < 0 || inputAxis >= ref.Rank() {
		return nil, errors.WithMessagef(ErrInvalidSpec,
			"input_dim_idx %d must be within the reference rank %d", inputAxis, ref.Rank())
	}
	if outputAxis < 0 || outputAxis >= len(dims) {
		return nil, errors.WithMessagef(ErrInvalidSpec,
			"output_dim_idx %d must be within the output rank %d", outputAxis, len(dims))
	}
	resolved := slices.Clone(dims)
	for ii, dim := range resolved {
		if ii == outputAxis {
			continue
		}
		if dim <= 0 {
			return nil, errors.WithMessagef(ErrInvalidSpec,
				"each entry must be positive, got %d at position %d", dim, ii)
		}
	}
	resolved[outputAxis] = ref.Dimensions[inputAxis]
	return resolved, nil
}
