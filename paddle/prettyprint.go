package paddle

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/types"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Paddle Program:\n")
	w("\t# variables:\t%d", len(m.Program.Vars))
	numPersistable := 0
	for _, v := range m.Program.Vars {
		if v.Persistable {
			numPersistable++
		}
	}
	if numPersistable > 0 {
		w(" (%d persistable)", numPersistable)
	}
	w("\n")

	w("\t# ops:\t%d\n", len(m.Program.Ops))
	opTypesSet := types.MakeSet[string]()
	for _, op := range m.Program.Ops {
		opTypesSet.Insert(op.Type)
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))

	w("\tInputs:\t[")
	for ii, name := range m.InputsNames {
		if ii > 0 {
			w(", ")
		}
		w("%s", name)
		if v := m.Var(name); v != nil {
			w(" (%s%v)", v.Type, v.Shape)
		}
	}
	w("]\n")
	w("\tOutputs:\t[")
	for ii, name := range m.OutputsNames {
		if ii > 0 {
			w(", ")
		}
		w("%s", name)
	}
	w("]\n")
	return buf.String()
}
