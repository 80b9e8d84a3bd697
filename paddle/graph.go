package paddle

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ModelScope is the context scope under which the Paddle program variables are
// created when converting to GoMLX.
var ModelScope = "paddle"

// This file defines the methods that build the computation graph using GoMLX.

// VariablesToContext creates variables in the context (within scope ModelScope)
// for every persistable variable of the program, with the given values (a map
// of variable name to tensor).
//
// Call this once in your context, before using the model with Model.CallGraph.
// Alternatively, if you have already checkpoint-ed your model, load the
// variables from a checkpoint and don't call this.
func (m *Model) VariablesToContext(ctx *context.Context, values map[string]*tensors.Tensor) error {
	ctx = ctx.In(ModelScope).Checked(false)
	for _, v := range m.Program.Vars {
		if !v.Persistable {
			continue
		}
		value, found := values[v.Name]
		if !found {
			return errors.Errorf("no value given for persistable variable %q", v.Name)
		}
		declared, err := dtypeForVarType(v.Type)
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.Name)
		}
		if value.DType() != declared {
			return errors.Errorf("variable %q declared as %s, value given is %s", v.Name, declared, value.Shape())
		}
		ctx.VariableWithValue(SafeVarName(v.Name), value)
	}
	for name := range values {
		v := m.varByName[name]
		if v == nil || !v.Persistable {
			return errors.Errorf("value given for %q, which is not a persistable variable of the program", name)
		}
	}
	return nil
}

// SafeVarName converts a Paddle variable name to a GoMLX safe variable name by
// replacing the scope separator with a "|".
func SafeVarName(paddleName string) (gomlxName string) {
	return strings.ReplaceAll(paddleName, context.ScopeSeparator, "|")
}

// CallGraph builds the program's computation with GoMLX ops into the graph g,
// returning the nodes of the program's fetched outputs. This can be used for
// inference or training.
//
// If the program has persistable variables, call Model.VariablesToContext first
// (only once) to upload their values to the context -- or load them from a
// checkpoint if you saved one. If it has none, ctx can be set to nil.
//
// The inputs are a map of program input name to its graph.Node; their shapes
// must satisfy Model.ValidateInputs. Target shapes that were left deferred by
// shape inference (reshape copy-dimensions) are materialized here against the
// concrete input shapes.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func (m *Model) CallGraph(ctx *context.Context, g *Graph, inputs map[string]*Node) (outputs []*Node) {
	if ctx != nil {
		ctx = ctx.In(ModelScope).Checked(false)
	}

	// Map the given inputs to the corresponding program inputs, and report
	// (throw exception) if there are any discrepancies.
	// Also initialize convertedOutputs with the given inputs.
	convertedOutputs := make(map[string]*Node)
	missingInputs := types.MakeSet[string]()
	for _, inputName := range m.InputsNames {
		inputN := inputs[inputName]
		if inputN == nil {
			missingInputs.Insert(inputName)
			continue
		}
		convertedOutputs[inputName] = inputN
	}
	unknownInputs := types.MakeSet[string]()
	for givenName := range inputs {
		if _, found := convertedOutputs[givenName]; !found {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("paddle.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			missingInputs, unknownInputs)
	}

	// Validate the input shapes.
	err := m.ValidateInputs(sliceMap(m.InputsNames, func(inputName string) shapes.Shape { return convertedOutputs[inputName].Shape() })...)
	if err != nil {
		panic(err)
	}

	// Persistable variables: create the GoMLX nodes corresponding to the
	// program variables uploaded with VariablesToContext.
	for _, v := range m.Program.Vars {
		if !v.Persistable {
			continue
		}
		if ctx == nil {
			exceptions.Panicf("paddle.CallGraph(): program has persistable variables, but a nil context was given")
			panic(nil) // for lint benefit.
		}
		varName := SafeVarName(v.Name)
		ctxVar := ctx.InspectVariableInScope(varName)
		if ctxVar == nil {
			exceptions.Panicf("variable %q has not been uploaded yet to context -- did you forget to call paddle.Model.VariablesToContext?", v.Name)
			panic(nil) // for lint benefit.
		}
		convertedOutputs[v.Name] = ctxVar.ValueGraph(g)
	}

	// Convert all ops in topological order.
	sortedOps := m.sortedOps()
	for ii, op := range sortedOps {
		err := exceptions.TryCatch[error](func() { m.convertOp(g, op, convertedOutputs) })
		if err != nil {
			err = errors.WithMessagef(err, "while converting op %d out of %d", ii, len(sortedOps))
			panic(err)
		}
	}

	// Pick the outputs.
	outputs = make([]*Node, len(m.OutputsNames))
	var found bool
	for outputIdx, varName := range m.OutputsNames {
		outputs[outputIdx], found = convertedOutputs[varName]
		if !found {
			exceptions.Panicf("output variable %q was not produced by any op", varName)
		}
	}
	return outputs
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// sortedOps returns a DAG sorting of the program's ops, so they can be
// converted in order. Paddle serializes blocks already in execution order, but
// hand-built programs may not be, so dependencies are re-derived here.
//
// It assumes the program inputs and persistable variables are given.
func (m *Model) sortedOps() []*OpDesc {
	sortedOps := make([]*OpDesc, 0, len(m.Program.Ops))

	// Build reverse dependency map.
	varToDependants := make(map[string]types.Set[*OpDesc])
	for _, op := range m.Program.Ops {
		for _, names := range op.Inputs {
			for _, name := range names {
				deps, found := varToDependants[name]
				if !found {
					deps = types.SetWith(op)
					varToDependants[name] = deps
				} else {
					deps.Insert(op)
				}
			}
		}
	}

	doneVars := types.MakeSet[string]()
	doneOps := types.MakeSet[*OpDesc]()
	isReady := func(op *OpDesc) bool {
		for _, names := range op.Inputs {
			for _, name := range names {
				if !doneVars.Has(name) {
					return false
				}
			}
		}
		return true
	}

	nextDoneScan := types.MakeSet[string]()
	markOpDone := func(op *OpDesc) {
		sortedOps = append(sortedOps, op)
		doneOps.Insert(op)
		for _, names := range op.Outputs {
			for _, name := range names {
				doneVars.Insert(name)
				nextDoneScan.Insert(name)
			}
		}
	}
	markVarDone := func(varName string) {
		deps, found := varToDependants[varName]
		if !found {
			return
		}
		delete(varToDependants, varName)
		for dep := range deps {
			if doneOps.Has(dep) || !isReady(dep) {
				continue
			}
			markOpDone(dep)
		}
	}

	// Inputs, persistable variables and ops without any inputs are the
	// starting points.
	for _, inputName := range m.InputsNames {
		doneVars.Insert(inputName)
		nextDoneScan.Insert(inputName)
	}
	for _, v := range m.Program.Vars {
		if v.Persistable {
			doneVars.Insert(v.Name)
			nextDoneScan.Insert(v.Name)
		}
	}
	for _, op := range m.Program.Ops {
		if len(op.Inputs) > 0 {
			continue
		}
		markOpDone(op)
	}

	for len(nextDoneScan) > 0 {
		scan := make([]string, 0, len(nextDoneScan))
		for name := range nextDoneScan {
			scan = append(scan, name)
		}
		clear(nextDoneScan)
		for _, varName := range scan {
			markVarDone(varName)
		}
	}
	if len(sortedOps) != len(m.Program.Ops) {
		exceptions.Panicf("sorting the operator graph failed: found %d ops connected to inputs, but there were %d ops!?",
			len(sortedOps), len(m.Program.Ops))
	}
	return sortedOps
}

// convertOp converts a single Paddle op to GoMLX node(s).
//
// Previously converted variables are given in convertedOutputs, and the
// converted output(s) are updated into it.
//
// It panics (throw exceptions) in case of errors.
func (m *Model) convertOp(g *Graph, op *OpDesc, convertedOutputs map[string]*Node) {
	// The usual case is a single output in slot "Out". If res is not nil, it
	// is stored there; anything different is handled by the specific op.
	var res *Node
	operand := func(slot string) *Node {
		name, err := op.Input(slot)
		if err != nil {
			panic(err)
		}
		input, found := convertedOutputs[name]
		if !found {
			exceptions.Panicf("op %s: operand %q (slot %s) has not been converted yet", op, name, slot)
		}
		return input
	}
	switch op.Type {
	case "reshape", "reshape2":
		res = convertReshape(op, operand("X"))
	case "reshape_grad", "reshape2_grad":
		res = convertReshapeGrad(op, operand("X"), operand(GradVarName("Out")))
		m.storeOutput(op, GradVarName("X"), res, convertedOutputs)
		res = nil

	case "uniform_random":
		res = convertUniformRandom(g, op, mustGetIntsAttr(op, "shape"))
	case "uniform_random_batch_size_like":
		res = convertUniformRandom(g, op, batchSizeLikeDims(op, operand("Input")))
	case "fill_constant":
		res = convertFillConstant(g, op, mustGetIntsAttr(op, "shape"))
	case "fill_constant_batch_size_like":
		res = convertFillConstant(g, op, batchSizeLikeDims(op, operand("Input")))

	case "mul":
		res = convertMul(op, operand("X"), operand("Y"))
	case "elementwise_add":
		res = convertElementwiseBinary(Add, op, operand("X"), operand("Y"))
	case "elementwise_sub":
		res = convertElementwiseBinary(Sub, op, operand("X"), operand("Y"))
	case "elementwise_mul":
		res = convertElementwiseBinary(Mul, op, operand("X"), operand("Y"))
	case "elementwise_div":
		res = convertElementwiseBinary(Div, op, operand("X"), operand("Y"))
	case "scale":
		res = convertScale(op, operand("X"))
	case "softmax":
		res = Softmax(operand("X"))
	case "relu":
		res = MaxScalar(operand("X"), 0)
	case "sigmoid":
		res = Sigmoid(operand("X"))
	case "tanh":
		res = Tanh(operand("X"))
	case "exp":
		res = Exp(operand("X"))
	case "abs":
		res = Abs(operand("X"))
	case "sqrt":
		res = Sqrt(operand("X"))
	case "dropout":
		res = convertDropoutInference(op, operand("X"))

	default:
		exceptions.Panicf("unimplemented Paddle op %s", op)
	}
	if res != nil {
		m.storeOutput(op, "Out", res, convertedOutputs)
	}
}

// storeOutput records the converted node under the op's output slot name.
func (m *Model) storeOutput(op *OpDesc, slot string, node *Node, convertedOutputs map[string]*Node) {
	name, err := op.Output(slot)
	if err != nil {
		panic(err)
	}
	convertedOutputs[name] = node
}
