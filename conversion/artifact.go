package conversion

import (
	"time"
)

// Artifact is a single conversion output. Artifacts are never mutated once
// returned; quantization and relocation produce new values.
type Artifact struct {
	// Path is the location of the artifact on durable storage.
	Path string `json:"path"`
	// Size is the artifact size in bytes.
	Size int64 `json:"size_bytes"`
	// Target is the variant this artifact was produced for.
	Target Target `json:"target"`
	// CreatedAt is when the artifact was produced.
	CreatedAt time.Time `json:"created_at"`
	// WeightCount is the number of weight elements carried by the artifact.
	WeightCount int64 `json:"weight_count"`
	// Intermediate is the SavedModel directory a TFLite artifact was compiled
	// from. Empty for CoreML artifacts.
	Intermediate string `json:"intermediate,omitempty"`
	// Clamped is the number of weights clamped to the float16 range while the
	// artifact was compiled. Only set by compilers that quantize.
	Clamped int64 `json:"clamped,omitempty"`
	// Data is the serialized artifact.
	Data []byte `json:"-"`
}

// NewArtifact creates an in-memory artifact for the target.
//
// Arguments:
//   - target: The target variant.
//   - data: The serialized artifact bytes.
//   - weights: The number of weight elements in the artifact.
//
// Returns:
//   - *Artifact: The artifact, not yet placed on storage.
func NewArtifact(target Target, data []byte, weights int64) *Artifact {
	return &Artifact{
		Size:        int64(len(data)),
		Target:      target,
		CreatedAt:   time.Now(),
		WeightCount: weights,
		Data:        data,
	}
}

// WithPath returns a copy of the artifact located at path.
func (a *Artifact) WithPath(path string) *Artifact {
	c := *a
	c.Path = path
	return &c
}

// WithIntermediate returns a copy of the artifact that records the
// intermediate directory it was compiled from.
func (a *Artifact) WithIntermediate(dir string) *Artifact {
	c := *a
	c.Intermediate = dir
	return &c
}

// ElemType is a tensor element type as declared by a runtime.
type ElemType string

const (
	ElemFloat32 ElemType = "float32"
	ElemFloat16 ElemType = "float16"
	ElemFloat64 ElemType = "float64"
	ElemInt32   ElemType = "int32"
	ElemInt64   ElemType = "int64"
	ElemUint8   ElemType = "uint8"
	ElemUnknown ElemType = "unknown"
)

// TensorSpec is the declared shape and element type of a tensor.
type TensorSpec struct {
	Name     string   `json:"name,omitempty"`
	Shape    []int64  `json:"shape"`
	ElemType ElemType `json:"elem_type"`
}

// Squeezed returns the shape with leading batch dimensions of 1 removed until
// it has at most rank dimensions.
func (s TensorSpec) Squeezed(rank int) []int64 {
	shape := s.Shape
	for len(shape) > rank && shape[0] == 1 {
		shape = shape[1:]
	}
	return shape
}

// Signature is the set of declared inputs and outputs read back from an
// artifact.
type Signature struct {
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
}

// TensorContract is the fixed input/output tensor pair every artifact must
// declare.
type TensorContract struct {
	Input  TensorSpec `json:"input"`
	Output TensorSpec `json:"output"`
}

// ContractResolution is the spatial resolution of the segmentation contract.
const ContractResolution = 512

// DefaultContract returns the 512x512x3 image to 512x512 class-map contract.
func DefaultContract() TensorContract {
	return TensorContract{
		Input: TensorSpec{
			Shape:    []int64{ContractResolution, ContractResolution, 3},
			ElemType: ElemFloat32,
		},
		Output: TensorSpec{
			Shape:    []int64{ContractResolution, ContractResolution},
			ElemType: ElemFloat32,
		},
	}
}

// VerificationReport is the outcome of loading an artifact into a runtime and
// comparing its declared tensors with the contract.
type VerificationReport struct {
	Artifact   string     `json:"artifact"`
	Target     Target     `json:"target"`
	Runtime    string     `json:"runtime"`
	Passed     bool       `json:"passed"`
	Input      TensorSpec `json:"input"`
	Output     TensorSpec `json:"output"`
	Mismatches []string   `json:"mismatches,omitempty"`
}
