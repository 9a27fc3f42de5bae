package checkpoint

import (
	"time"

	"github.com/born-ml/born/tensor"
)

// Format constants.
const (
	FormatVersion = 1
	BornVersion   = "0.5.4"
	HeaderMember  = "header.json"
	TensorsMember = "tensors.bin"
	DataAlignment = 64
	FileExtension = ".tar"
	SectionState  = "state"
	SectionRotate = "rotate"
)

// Validation limits.
const (
	maxHeaderSize  = 100 * 1024 * 1024
	maxTensorCount = 100_000
	maxTensorName  = 4096
)

// Data type string constants for serialization.
const (
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
	DTypeInt32   = "int32"
	DTypeInt64   = "int64"
	DTypeUint8   = "uint8"
	DTypeBool    = "bool"
)

// Header is the JSON document stored as header.json.
type Header struct {
	FormatVersion int                     `json:"format_version"`
	BornVersion   string                  `json:"born_version"`
	RunID         string                  `json:"run_id"`
	Model         string                  `json:"model"`
	Method        string                  `json:"method"`
	Epoch         int                     `json:"epoch"`
	CreatedAt     time.Time               `json:"created_at"`
	Sections      map[string][]TensorMeta `json:"sections"`
	DataSize      int64                   `json:"data_size"`
	Checksum      string                  `json:"checksum"` // hex SHA-256 of tensors.bin
}

// TensorMeta describes one tensor in tensors.bin.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Float64:
		return DTypeFloat64
	case tensor.Int32:
		return DTypeInt32
	case tensor.Int64:
		return DTypeInt64
	case tensor.Uint8:
		return DTypeUint8
	case tensor.Bool:
		return DTypeBool
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeFloat64:
		return tensor.Float64, true
	case DTypeInt32:
		return tensor.Int32, true
	case DTypeInt64:
		return tensor.Int64, true
	case DTypeUint8:
		return tensor.Uint8, true
	case DTypeBool:
		return tensor.Bool, true
	default:
		return 0, false
	}
}
