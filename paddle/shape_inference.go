package paddle

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShapeInference holds the statically resolved shape of every variable of a
// program, for one set of concrete input shapes. Paddle programs list their
// blocks' ops already in execution order, so a single forward pass resolves
// everything.
//
// Reshape ops whose target shape contains copy-dimensions (0 entries) cannot
// be fully resolved here: for those the inferred shape is a placeholder (the
// input shape, which has the right dtype and element count) and the output
// name is remembered in deferred, so that graph conversion re-resolves it
// against the concrete input shape with MaterializeReshape.
type ShapeInference struct {
	model *Model

	// shapes maps variable name to its resolved shape.
	shapes map[string]shapes.Shape

	// lodLevels maps variable name to its level-of-detail nesting depth.
	// Ops that merely reorganize data (reshape, scale, activations) share
	// their input's LoD with the output.
	lodLevels map[string]int

	// deferred holds the output names of reshape ops left for
	// materialization at graph build time.
	deferred types.Set[string]
}

// InferShapes statically resolves the shapes of all variables of the program,
// given the shapes of the model inputs (in the order of m.InputsNames).
//
// Invalid target shapes are reported wrapping ErrInvalidSpec.
func (m *Model) InferShapes(inputs ...shapes.Shape) (*ShapeInference, error) {
	if err := m.ValidateInputs(inputs...); err != nil {
		return nil, err
	}
	si := &ShapeInference{
		model:     m,
		shapes:    make(map[string]shapes.Shape),
		lodLevels: make(map[string]int),
		deferred:  types.MakeSet[string](),
	}
	for ii, name := range m.InputsNames {
		si.shapes[name] = inputs[ii]
	}
	for _, v := range m.Program.Vars {
		if v.LoDLevel > 0 {
			si.lodLevels[v.Name] = v.LoDLevel
		}
		// Persistable variables (weights) have fully concrete declared shapes.
		if v.Persistable {
			dtype, err := dtypeForVarType(v.Type)
			if err != nil {
				return nil, errors.WithMessagef(err, "variable %q", v.Name)
			}
			si.shapes[v.Name] = shapes.Make(dtype, v.Shape...)
		}
	}
	err := exceptions.TryCatch[error](func() {
		for _, op := range m.Program.Ops {
			si.inferOp(op)
		}
	})
	if err != nil {
		return nil, err
	}
	return si, nil
}

// Shape returns the resolved shape of a variable, and whether it is known.
func (si *ShapeInference) Shape(name string) (shapes.Shape, bool) {
	shape, ok := si.shapes[name]
	return shape, ok
}

// Deferred reports whether the named variable is the output of a reshape
// whose resolution was deferred to graph build time.
func (si *ShapeInference) Deferred(name string) bool {
	return si.deferred.Has(name)
}

// LoDLevel returns the level-of-detail nesting depth of a variable, 0 if it
// carries none.
func (si *ShapeInference) LoDLevel(name string) int {
	return si.lodLevels[name]
}

// inputShape returns the already resolved shape of the op's operand in the
// given slot, panicking if either is missing.
func (si *ShapeInference) inputShape(op *OpDesc, slot string) shapes.Shape {
	name, err := op.Input(slot)
	if err != nil {
		panic(err)
	}
	shape, ok := si.shapes[name]
	if !ok {
		exceptions.Panicf("op %s: shape of operand %q (slot %s) has not been resolved yet", op, name, slot)
	}
	return shape
}

// setOutput records the resolved shape of the op's output in the given slot.
func (si *ShapeInference) setOutput(op *OpDesc, slot string, shape shapes.Shape) {
	name, err := op.Output(slot)
	if err != nil {
		panic(err)
	}
	si.shapes[name] = shape
}

// shareLoD propagates the input operand's LoD level to the output.
func (si *ShapeInference) shareLoD(op *OpDesc, inSlot, outSlot string) {
	inName, err := op.Input(inSlot)
	if err != nil {
		panic(err)
	}
	level, ok := si.lodLevels[inName]
	if !ok {
		return
	}
	outName, err := op.Output(outSlot)
	if err != nil {
		panic(err)
	}
	si.lodLevels[outName] = level
}

// inferOp resolves the output shape(s) of one op. Panics (with an error) on
// unsupported op types or invalid attributes, caught by InferShapes.
func (si *ShapeInference) inferOp(op *OpDesc) {
	switch op.Type {
	case "reshape", "reshape2":
		si.inferReshape(op)

	case "reshape_grad", "reshape2_grad":
		// The gradient of a reshape has the shape of the original input.
		x := si.inputShape(op, "X")
		si.setOutput(op, GradVarName("X"), x)

	case "uniform_random":
		dims := mustGetIntsAttr(op, "shape")
		dtype := mustDTypeAttr(op)
		si.setOutput(op, "Out", shapes.Make(dtype, dims...))

	case "uniform_random_batch_size_like", "fill_constant_batch_size_like":
		ref := si.inputShape(op, "Input")
		dims, err := BatchSizeLikeShape(ref,
			mustGetIntsAttr(op, "shape"),
			getIntAttrOr(op, "input_dim_idx", 0),
			getIntAttrOr(op, "output_dim_idx", 0))
		if err != nil {
			panic(errors.WithMessagef(err, "op %s", op))
		}
		dtype := mustDTypeAttr(op)
		si.setOutput(op, "Out", shapes.Make(dtype, dims...))

	case "fill_constant":
		dims := mustGetIntsAttr(op, "shape")
		dtype := mustDTypeAttr(op)
		si.setOutput(op, "Out", shapes.Make(dtype, dims...))

	case "mul":
		si.inferMul(op)

	case "elementwise_add", "elementwise_sub", "elementwise_mul", "elementwise_div":
		x := si.inputShape(op, "X")
		y := si.inputShape(op, "Y")
		if y.Size() > x.Size() {
			exceptions.Panicf("op %s: Y %s has more elements than X %s, operands must be ordered largest first", op, y, x)
		}
		si.setOutput(op, "Out", x)
		si.shareLoD(op, "X", "Out")

	case "relu", "sigmoid", "tanh", "exp", "abs", "sqrt", "scale", "softmax", "dropout":
		x := si.inputShape(op, "X")
		si.setOutput(op, "Out", x)
		si.shareLoD(op, "X", "Out")

	default:
		exceptions.Panicf("shape inference does not support op type %q (%s)", op.Type, op)
	}
	if klog.V(2).Enabled() {
		for _, names := range op.Outputs {
			for _, name := range names {
				if shape, ok := si.shapes[name]; ok {
					klog.Infof("inferred %s -> %s", name, shape)
				}
			}
		}
	}
}

// inferReshape resolves a reshape target shape. Copy-dimensions (0 entries)
// defer final resolution to graph build time; until then the output keeps the
// input shape as a placeholder, which preserves dtype and element count.
func (si *ShapeInference) inferReshape(op *OpDesc) {
	x := si.inputShape(op, "X")
	spec := mustGetIntsAttr(op, "shape")
	resolved, deferred, err := ResolveReshape(spec, x)
	if err != nil {
		panic(errors.WithMessagef(err, "op %s", op))
	}
	outName, err := op.Output("Out")
	if err != nil {
		panic(err)
	}
	if deferred {
		si.deferred.Insert(outName)
		si.shapes[outName] = x
	} else {
		si.shapes[outName] = shapes.Make(x.DType, resolved...)
	}
	si.shareLoD(op, "X", "Out")
}

// inferMul resolves the mul op: X is flattened to a matrix at axis
// x_num_col_dims, Y at y_num_col_dims, and the output keeps X's leading axes
// followed by Y's trailing axes.
func (si *ShapeInference) inferMul(op *OpDesc) {
	x := si.inputShape(op, "X")
	y := si.inputShape(op, "Y")
	xCols := getIntAttrOr(op, "x_num_col_dims", 1)
	yCols := getIntAttrOr(op, "y_num_col_dims", 1)
	if xCols < 1 || xCols >= x.Rank() {
		exceptions.Panicf("op %s: x_num_col_dims=%d must be in [1, rank(X)=%d)", op, xCols, x.Rank())
	}
	if yCols < 1 || yCols >= y.Rank() {
		exceptions.Panicf("op %s: y_num_col_dims=%d must be in [1, rank(Y)=%d)", op, yCols, y.Rank())
	}
	xInner, yInner := 1, 1
	for _, d := range x.Dimensions[xCols:] {
		xInner *= d
	}
	for _, d := range y.Dimensions[:yCols] {
		yInner *= d
	}
	if xInner != yInner {
		exceptions.Panicf("op %s: contracted sizes differ, X %s yields %d but Y %s yields %d",
			op, x, xInner, y, yInner)
	}
	dims := make([]int, 0, xCols+y.Rank()-yCols)
	dims = append(dims, x.Dimensions[:xCols]...)
	dims = append(dims, y.Dimensions[yCols:]...)
	si.setOutput(op, "Out", shapes.Make(x.DType, dims...))
	si.shareLoD(op, "X", "Out")
}
