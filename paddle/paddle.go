// Package paddle converts Paddle "fluid" operator programs into GoMLX computation graphs.
//
//   - Parse: decodes a JSON-serialized program description into a Model.
//   - ReadFile: reads a file and calls Parse. It returns a Model.
//   - Model: an indexed view over a Program. It supports a static shape-inference
//     pass (see Model.InferShapes) that runs before any tensor data is
//     materialized, and builds the corresponding GoMLX graph with Model.CallGraph,
//     for inference or use in a training loop.
package paddle

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// ErrMissingOperand is the cause of errors returned when an operator is missing a
// required named input or output slot. See OpDesc.Input and OpDesc.Output.
var ErrMissingOperand = errors.New("missing operand")

// VarDesc describes one variable (tensor) of a Program.
//
// Shape may use -1 for dimensions only known at execution time (e.g. the batch
// size). LoDLevel carries the level-of-detail (variable-length sequence)
// metadata depth; operators that preserve sequence structure propagate it
// unchanged from input to output.
type VarDesc struct {
	Name        string  `json:"name"`
	Type        VarType `json:"type"`
	Shape       []int   `json:"shape,omitempty"`
	LoDLevel    int     `json:"lod_level,omitempty"`
	Persistable bool    `json:"persistable,omitempty"`
}

// OpDesc describes one operator invocation of a Program.
//
// Operands are addressed by slot name ("X", "Y", "Out", "Input", ...), each slot
// holding an ordered list of variable names, following Paddle's operator
// convention. Attrs holds the operator's named, typed, defaulted attributes.
type OpDesc struct {
	Type    string              `json:"type"`
	Inputs  map[string][]string `json:"inputs"`
	Outputs map[string][]string `json:"outputs"`
	Attrs   AttrMap             `json:"attrs,omitempty"`
}

// Input returns the single variable name bound to the given input slot.
// It returns an ErrMissingOperand-wrapped error if the slot is absent or empty.
func (op *OpDesc) Input(slot string) (string, error) {
	names := op.Inputs[slot]
	if len(names) == 0 {
		return "", errors.WithMessagef(ErrMissingOperand, "operator %q requires input slot %q", op.Type, slot)
	}
	return names[0], nil
}

// Output returns the single variable name bound to the given output slot.
// It returns an ErrMissingOperand-wrapped error if the slot is absent or empty.
func (op *OpDesc) Output(slot string) (string, error) {
	names := op.Outputs[slot]
	if len(names) == 0 {
		return "", errors.WithMessagef(ErrMissingOperand, "operator %q requires output slot %q", op.Type, slot)
	}
	return names[0], nil
}

// String implements fmt.Stringer.
func (op *OpDesc) String() string {
	return fmt.Sprintf("%s(%v) -> %v", op.Type, op.Inputs, op.Outputs)
}

// GradVarName returns the conventional name of the gradient counterpart of a
// variable or slot: gradient operators take and produce slots named after the
// forward ones with this suffix appended.
func GradVarName(name string) string {
	return name + "@GRAD"
}

// Program is a flat (single-block) Paddle fluid program: variable declarations
// plus an ordered list of operators, with the names of the variables fed and
// fetched by the caller.
type Program struct {
	Vars    []*VarDesc `json:"vars"`
	Ops     []*OpDesc  `json:"ops"`
	Inputs  []string   `json:"inputs"`
	Outputs []string   `json:"outputs"`
}

// Model is an indexed view over a Program, ready for shape inference and graph
// building.
type Model struct {
	Program *Program

	// InputsNames and OutputsNames are the names of the variables fed and
	// fetched by the caller, in program order.
	InputsNames, OutputsNames []string

	varByName     map[string]*VarDesc
	opForOutput   map[string]*OpDesc
	inputsNameSet types.Set[string]
}

// Parse parses a JSON-serialized program into a Model.
func Parse(contents []byte) (*Model, error) {
	program := &Program{}
	if err := json.Unmarshal(contents, program); err != nil {
		return nil, errors.Wrap(err, "failed to parse program description")
	}
	return NewModel(program)
}

// ReadFile parses a JSON-serialized program file into a Model.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program file in %s", filePath)
	}
	return Parse(contents)
}

// NewModel indexes the given program and validates its variable references.
func NewModel(program *Program) (*Model, error) {
	m := &Model{
		Program:       program,
		InputsNames:   program.Inputs,
		OutputsNames:  program.Outputs,
		varByName:     make(map[string]*VarDesc, len(program.Vars)),
		opForOutput:   make(map[string]*OpDesc),
		inputsNameSet: types.MakeSet[string](len(program.Inputs)),
	}
	for _, v := range program.Vars {
		if _, found := m.varByName[v.Name]; found {
			return nil, errors.Errorf("variable %q declared more than once", v.Name)
		}
		m.varByName[v.Name] = v
	}
	for _, op := range program.Ops {
		for slot, names := range op.Inputs {
			for _, name := range names {
				if _, found := m.varByName[name]; !found {
					return nil, errors.Errorf("operator %q input slot %q references undeclared variable %q", op.Type, slot, name)
				}
			}
		}
		for slot, names := range op.Outputs {
			for _, name := range names {
				if _, found := m.varByName[name]; !found {
					return nil, errors.Errorf("operator %q output slot %q references undeclared variable %q", op.Type, slot, name)
				}
				if previous, found := m.opForOutput[name]; found {
					return nil, errors.Errorf("variable %q written by both %q and %q", name, previous.Type, op.Type)
				}
				m.opForOutput[name] = op
			}
		}
	}
	for _, name := range program.Inputs {
		if _, found := m.varByName[name]; !found {
			return nil, errors.Errorf("program input %q is not a declared variable", name)
		}
		m.inputsNameSet.Insert(name)
	}
	for _, name := range program.Outputs {
		if _, found := m.varByName[name]; !found {
			return nil, errors.Errorf("program output %q is not a declared variable", name)
		}
	}
	return m, nil
}

// Var returns the declaration of the named variable, or nil if not declared.
func (m *Model) Var(name string) *VarDesc {
	return m.varByName[name]
}

// ValidateInputs checks that the given shapes are valid inputs for the program,
// matching dtype, rank and every fixed dimension of the declared input
// variables. Dimensions declared as -1 (dynamic) accept any size.
func (m *Model) ValidateInputs(inputs ...shapes.Shape) error {
	if len(inputs) != len(m.InputsNames) {
		return errors.Errorf("program takes %d inputs, %d given", len(m.InputsNames), len(inputs))
	}
	for ii, given := range inputs {
		v := m.varByName[m.InputsNames[ii]]
		declared, err := dtypeForVarType(v.Type)
		if err != nil {
			return errors.WithMessagef(err, "while validating input %q", v.Name)
		}
		if given.DType != declared {
			return errors.Errorf("input %q must be of dtype %s, got %s", v.Name, declared, given.DType)
		}
		if given.Rank() != len(v.Shape) {
			return errors.Errorf("input %q must have rank %d, got shape %s", v.Name, len(v.Shape), given)
		}
		for axis, dim := range v.Shape {
			if dim == -1 {
				continue
			}
			if given.Dimensions[axis] != dim {
				return errors.Errorf("input %q axis #%d must have dimension %d, got shape %s", v.Name, axis, dim, given)
			}
		}
	}
	return nil
}
