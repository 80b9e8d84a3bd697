package paddle

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AttrMap holds an operator's attributes: named, typed values with per-operator
// defaults. Values decoded from JSON arrive as float64/bool/string/[]any; the
// typed getters below coerce and validate them.
type AttrMap map[string]any

// getIntAttrOr gets an integer attribute for op if present or returns the given
// defaultValue. It panics with an error message if the attribute is present but
// is of the wrong type.
func getIntAttrOr(op *OpDesc, attrName string, defaultValue int) int {
	raw, found := op.Attrs[attrName]
	if !found {
		return defaultValue
	}
	value, ok := attrAsInt(raw)
	if !ok {
		exceptions.Panicf("attribute %q of %s must be an integer, got %T (%v)", attrName, op, raw, raw)
	}
	return value
}

// getFloatAttrOr gets a float attribute for op if present or returns the given
// defaultValue. It panics with an error message if the attribute is present but
// is of the wrong type.
func getFloatAttrOr(op *OpDesc, attrName string, defaultValue float64) float64 {
	raw, found := op.Attrs[attrName]
	if !found {
		return defaultValue
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		exceptions.Panicf("attribute %q of %s must be a float, got %T (%v)", attrName, op, raw, raw)
		panic(nil) // for lint benefit.
	}
}

// getBoolAttrOr gets a boolean attribute for op if present or returns the given
// defaultValue. It panics with an error message if the attribute is present but
// is of the wrong type.
func getBoolAttrOr(op *OpDesc, attrName string, defaultValue bool) bool {
	raw, found := op.Attrs[attrName]
	if !found {
		return defaultValue
	}
	value, ok := raw.(bool)
	if !ok {
		exceptions.Panicf("attribute %q of %s must be a boolean, got %T (%v)", attrName, op, raw, raw)
	}
	return value
}

// getStringAttrOr gets a string attribute for op if present or returns the
// given defaultValue. It panics with an error message if the attribute is
// present but is of the wrong type.
func getStringAttrOr(op *OpDesc, attrName string, defaultValue string) string {
	raw, found := op.Attrs[attrName]
	if !found {
		return defaultValue
	}
	value, ok := raw.(string)
	if !ok {
		exceptions.Panicf("attribute %q of %s must be a string, got %T (%v)", attrName, op, raw, raw)
	}
	return value
}

// mustGetIntsAttr gets a list-of-integers attribute for op.
// It panics with an error message if the attribute is not present or if it is
// of the wrong type.
func mustGetIntsAttr(op *OpDesc, attrName string) []int {
	raw, found := op.Attrs[attrName]
	if !found {
		exceptions.Panicf("%s is missing required attribute %q", op, attrName)
	}
	values, ok := attrAsInts(raw)
	if !ok {
		exceptions.Panicf("attribute %q of %s must be a list of integers, got %T (%v)", attrName, op, raw, raw)
	}
	return values
}

// getVarTypeAttrOr gets a dtype attribute (Paddle encodes these as VarType enum
// integers) for op if present or returns the given defaultValue.
func getVarTypeAttrOr(op *OpDesc, attrName string, defaultValue VarType) VarType {
	return VarType(getIntAttrOr(op, attrName, int(defaultValue)))
}

// mustDTypeAttr resolves the op's "dtype" attribute to a GoMLX dtype, FP32 if
// absent. It panics with an error if the enum value has no GoMLX equivalent.
func mustDTypeAttr(op *OpDesc) dtypes.DType {
	vt := getVarTypeAttrOr(op, "dtype", FP32)
	dtype, err := dtypeForVarType(vt)
	if err != nil {
		panic(errors.WithMessagef(err, "attribute \"dtype\" of %s", op))
	}
	return dtype
}

func attrAsInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		// JSON numbers decode as float64; accept only integral values.
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

func attrAsInts(raw any) ([]int, bool) {
	switch v := raw.(type) {
	case []int:
		return v, true
	case []any:
		values := make([]int, len(v))
		for ii, elem := range v {
			value, ok := attrAsInt(elem)
			if !ok {
				return nil, false
			}
			values[ii] = value
		}
		return values, true
	default:
		return nil, false
	}
}
