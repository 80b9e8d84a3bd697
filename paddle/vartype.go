package paddle

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// VarType enumerates the element types of Paddle variables. The names and
// numeric values follow Paddle's framework VarType.Type enum, so serialized
// programs keep their original dtype codes.
type VarType int

const (
	BOOL       VarType = 0
	INT16      VarType = 1
	INT32      VarType = 2
	INT64      VarType = 3
	FP16       VarType = 4
	FP32       VarType = 5
	FP64       VarType = 6
	UINT8      VarType = 20
	INT8       VarType = 21
	BF16       VarType = 22
	COMPLEX64  VarType = 23
	COMPLEX128 VarType = 24
)

// String implements fmt.Stringer.
func (vt VarType) String() string {
	switch vt {
	case BOOL:
		return "BOOL"
	case INT16:
		return "INT16"
	case INT32:
		return "INT32"
	case INT64:
		return "INT64"
	case FP16:
		return "FP16"
	case FP32:
		return "FP32"
	case FP64:
		return "FP64"
	case UINT8:
		return "UINT8"
	case INT8:
		return "INT8"
	case BF16:
		return "BF16"
	case COMPLEX64:
		return "COMPLEX64"
	case COMPLEX128:
		return "COMPLEX128"
	default:
		return "UNKNOWN"
	}
}

// dtypeForVarType converts a Paddle variable type to a GoMLX data type.
func dtypeForVarType(vt VarType) (dtypes.DType, error) {
	switch vt {
	case BOOL:
		return dtypes.Bool, nil
	case INT16:
		return dtypes.Int16, nil
	case INT32:
		return dtypes.Int32, nil
	case INT64:
		return dtypes.Int64, nil
	case FP16:
		return dtypes.Float16, nil
	case FP32:
		return dtypes.Float32, nil
	case FP64:
		return dtypes.Float64, nil
	case UINT8:
		return dtypes.Uint8, nil
	case INT8:
		return dtypes.Int8, nil
	case BF16:
		return dtypes.BFloat16, nil
	case COMPLEX64:
		return dtypes.Complex64, nil
	case COMPLEX128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown Paddle variable type %v (%d)", vt, int(vt))
	}
}
