package paddle

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paddle-gomlx/internal/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements the conversion of individual Paddle ops to GoMLX nodes.
// All functions here panic (throw exceptions) on invalid programs; CallGraph
// catches and wraps them.

// convertReshape converts reshape and reshape2. The target shape attribute is
// materialized against the operand's concrete shape: copy-dimensions (0) are
// substituted and the unknown dimension (-1), if any, inferred.
//
// reshape2's extra XShape output carries no data and only feeds the gradient
// op, which takes its shape from X directly here, so it is not converted.
func convertReshape(op *OpDesc, x *Node) *Node {
	spec := mustGetIntsAttr(op, "shape")
	dims, err := MaterializeReshape(spec, x.Shape())
	if err != nil {
		panic(errors.WithMessagef(err, "op %s", op))
	}
	if getBoolAttrOr(op, "inplace", false) {
		// Aliasing of buffers is the backend compiler's call, the attribute
		// carries no meaning on a computation graph.
		klog.V(2).Infof("op %s: ignoring inplace attribute", op)
	}
	return Reshape(x, dims...)
}

// convertReshapeGrad converts reshape_grad and reshape2_grad: the gradient
// flowing into the reshape output is reshaped back to the forward input's
// shape. Gradients and values of the same variable always share a shape.
func convertReshapeGrad(op *OpDesc, x, dOut *Node) *Node {
	if x.Shape().Size() != dOut.Shape().Size() {
		exceptions.Panicf("op %s: gradient %s has a different number of elements than the forward input %s",
			op, dOut.Shape(), x.Shape())
	}
	return Reshape(dOut, x.Shape().Dimensions...)
}

// batchSizeLikeDims derives the output dimensions of the *_batch_size_like
// ops from the shape attribute and the reference operand.
func batchSizeLikeDims(op *OpDesc, ref *Node) []int {
	dims, err := BatchSizeLikeShape(ref.Shape(),
		mustGetIntsAttr(op, "shape"),
		getIntAttrOr(op, "input_dim_idx", 0),
		getIntAttrOr(op, "output_dim_idx", 0))
	if err != nil {
		panic(errors.WithMessagef(err, "op %s", op))
	}
	return dims
}

// convertUniformRandom converts uniform_random and
// uniform_random_batch_size_like, dims being the already resolved output
// dimensions.
//
// With seed != 0 the values are drawn on the host by kernels.Uniform and
// embedded as a constant, making the graph fully reproducible for the same
// seed, shape and range. With seed == 0 a fresh system-seeded random state is
// captured at graph build time and the values are sampled from it on the
// backend: two conversions of the same program yield different values, but
// re-executions of one compiled graph replay the same ones. Build the graph
// again for fresh draws.
func convertUniformRandom(g *Graph, op *OpDesc, dims []int) *Node {
	dtype := mustDTypeAttr(op)
	minVal := getFloatAttrOr(op, "min", -1.0)
	maxVal := getFloatAttrOr(op, "max", 1.0)
	if maxVal < minVal {
		exceptions.Panicf("op %s: min=%v must be <= max=%v", op, minVal, maxVal)
	}
	seed := int64(getIntAttrOr(op, "seed", 0))
	diagNum := getIntAttrOr(op, "diag_num", 0)
	diagStep := getIntAttrOr(op, "diag_step", 0)
	diagVal := getFloatAttrOr(op, "diag_val", 1.0)
	validateDiagonal(op, dims, diagNum, diagStep)

	if seed != 0 {
		values, err := kernels.Uniform(dtype, dims, seed, minVal, maxVal, diagNum, diagStep, diagVal)
		if err != nil {
			panic(errors.WithMessagef(err, "op %s", op))
		}
		return Const(g, values)
	}

	rngState := Const(g, RngState())
	_, values := RandomUniform(rngState, shapes.Make(dtype, dims...))
	values = AddScalar(MulScalar(values, maxVal-minVal), minVal)
	if diagNum > 0 {
		values = Where(diagonalMask(g, dims, diagNum, diagStep), Scalar(g, dtype, diagVal), values)
	}
	return values
}

// validateDiagonal checks the diagonal overlay attributes: a step is required
// when there are elements to set, and the last position must fall within the
// tensor.
func validateDiagonal(op *OpDesc, dims []int, diagNum, diagStep int) {
	if diagNum == 0 {
		if diagStep < 0 {
			exceptions.Panicf("op %s: diag_step=%d must not be negative", op, diagStep)
		}
		return
	}
	if diagNum < 0 {
		exceptions.Panicf("op %s: diag_num=%d must not be negative", op, diagNum)
	}
	if diagStep <= 0 {
		exceptions.Panicf("op %s: diag_step=%d must be positive when diag_num=%d is set", op, diagStep, diagNum)
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	if last := (diagNum - 1) * diagStep; last >= size {
		exceptions.Panicf("op %s: last diagonal position %d is out of range for %d elements (diag_num=%d, diag_step=%d)",
			op, last, size, diagNum, diagStep)
	}
}

// diagonalMask builds a boolean mask over dims that is true at flat positions
// i*diagStep for i in [0, diagNum).
func diagonalMask(g *Graph, dims []int, diagNum, diagStep int) *Node {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flatIdx := IotaFull(g, shapes.Make(dtypes.Int64, size))
	onDiag := LogicalAnd(
		Equal(ModScalar(flatIdx, diagStep), ZerosLike(flatIdx)),
		LessThan(flatIdx, Scalar(g, dtypes.Int64, diagNum*diagStep)))
	return Reshape(onDiag, dims...)
}

// convertFillConstant converts fill_constant and
// fill_constant_batch_size_like, dims being the already resolved output
// dimensions.
func convertFillConstant(g *Graph, op *OpDesc, dims []int) *Node {
	dtype := mustDTypeAttr(op)
	value := getFloatAttrOr(op, "value", 0.0)
	return BroadcastToDims(Scalar(g, dtype, value), dims...)
}

// convertMul converts the mul op: X is flattened to a matrix at axis
// x_num_col_dims and Y at y_num_col_dims, the matrices are multiplied, and the
// product is reshaped to X's leading axes followed by Y's trailing axes.
func convertMul(op *OpDesc, x, y *Node) *Node {
	xCols := getIntAttrOr(op, "x_num_col_dims", 1)
	yCols := getIntAttrOr(op, "y_num_col_dims", 1)
	if xCols < 1 || xCols >= x.Rank() {
		exceptions.Panicf("op %s: x_num_col_dims=%d must be in [1, rank(X)=%d)", op, xCols, x.Rank())
	}
	if yCols < 1 || yCols >= y.Rank() {
		exceptions.Panicf("op %s: y_num_col_dims=%d must be in [1, rank(Y)=%d)", op, yCols, y.Rank())
	}
	xMat := flattenToMatrix(x, xCols)
	yMat := flattenToMatrix(y, yCols)
	if xMat.Shape().Dim(1) != yMat.Shape().Dim(0) {
		exceptions.Panicf("op %s: contracted sizes differ, X %s yields %s but Y %s yields %s",
			op, x.Shape(), xMat.Shape(), y.Shape(), yMat.Shape())
	}
	out := MatMul(xMat, yMat)
	dims := make([]int, 0, xCols+y.Rank()-yCols)
	dims = append(dims, x.Shape().Dimensions[:xCols]...)
	dims = append(dims, y.Shape().Dimensions[yCols:]...)
	return Reshape(out, dims...)
}

// flattenToMatrix reshapes x to rank-2, collapsing the axes before axis into
// the rows and the rest into the columns.
func flattenToMatrix(x *Node, axis int) *Node {
	rows, cols := 1, 1
	for _, d := range x.Shape().Dimensions[:axis] {
		rows *= d
	}
	for _, d := range x.Shape().Dimensions[axis:] {
		cols *= d
	}
	return Reshape(x, rows, cols)
}

// convertElementwiseBinary converts the elementwise_* ops. Y's shape must
// match a contiguous window of X's axes starting at the axis attribute
// (default -1, meaning the trailing axes); Y is broadcast over the remaining
// axes of X.
func convertElementwiseBinary(fn func(x, y *Node) *Node, op *OpDesc, x, y *Node) *Node {
	if x.Shape().Equal(y.Shape()) {
		return fn(x, y)
	}
	axis := getIntAttrOr(op, "axis", -1)
	if axis == -1 {
		axis = x.Rank() - y.Rank()
	}
	if axis < 0 || axis+y.Rank() > x.Rank() {
		exceptions.Panicf("op %s: axis=%d does not fit Y %s into X %s", op, axis, y.Shape(), x.Shape())
	}
	for ii, d := range y.Shape().Dimensions {
		if x.Shape().Dimensions[axis+ii] != d {
			exceptions.Panicf("op %s: Y %s does not match X %s at axis %d", op, y.Shape(), x.Shape(), axis)
		}
	}
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	copy(dims[axis:], y.Shape().Dimensions)
	y = Reshape(y, dims...)
	return fn(x, BroadcastToDims(y, x.Shape().Dimensions...))
}

// convertScale converts the scale op: scale*x+bias, or scale*(x+bias) when
// bias_after_scale is false.
func convertScale(op *OpDesc, x *Node) *Node {
	scale := getFloatAttrOr(op, "scale", 1.0)
	bias := getFloatAttrOr(op, "bias", 0.0)
	if getBoolAttrOr(op, "bias_after_scale", true) {
		return AddScalar(MulScalar(x, scale), bias)
	}
	return MulScalar(AddScalar(x, bias), scale)
}

// convertDropoutInference converts dropout for inference-time graphs: with the
// default "downgrade_in_infer" implementation the output is scaled by the keep
// probability, with "upscale_in_train" it is the identity.
func convertDropoutInference(op *OpDesc, x *Node) *Node {
	prob := getFloatAttrOr(op, "dropout_prob", 0.5)
	if prob < 0 || prob >= 1 {
		exceptions.Panicf("op %s: dropout_prob=%v must be in [0, 1)", op, prob)
	}
	if getStringAttrOr(op, "dropout_implementation", "downgrade_in_infer") == "upscale_in_train" {
		return x
	}
	return MulScalar(x, 1.0-prob)
}
