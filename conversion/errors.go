package conversion

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindMissingDependency indicates a required engine capability is unavailable.
	KindMissingDependency Kind = "MissingDependencyError"
	// KindInputNotFound indicates the source graph file does not exist.
	KindInputNotFound Kind = "InputNotFoundError"
	// KindGraphParse indicates the source bytes are not a supported ONNX graph.
	KindGraphParse Kind = "GraphParseError"
	// KindUnsupportedOperator indicates the graph uses an operator the target cannot represent.
	KindUnsupportedOperator Kind = "UnsupportedOperatorError"
	// KindConversion wraps any other engine failure.
	KindConversion Kind = "ConversionError"
	// KindIntermediateConversion indicates the ONNX to SavedModel step failed.
	KindIntermediateConversion Kind = "IntermediateConversionError"
	// KindBytecodeConversion indicates the SavedModel to TFLite step failed.
	KindBytecodeConversion Kind = "BytecodeConversionError"
	// KindQuantization indicates the precision reduction failed.
	KindQuantization Kind = "QuantizationError"
	// KindVerification indicates the runtime could not load the artifact or the contract did not hold.
	KindVerification Kind = "VerificationError"
	// KindPersist indicates an I/O failure writing an artifact.
	KindPersist Kind = "PersistError"
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = "UnknownError"
)

// Retryable reports whether a failure of this kind may succeed when retried
// with identical input. Engines are deterministic, so none are.
func (k Kind) Retryable() bool {
	return false
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "onnx.Load".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Errorf creates a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil. An err that already carries a
// more specific classification keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// UnsupportedOperatorError lists the operators a target could not represent.
type UnsupportedOperatorError struct {
	Target string
	Ops    []string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("%s cannot represent operators %v", e.Target, e.Ops)
}

// Unsupported builds a classified error for unsupported operators.
func Unsupported(op, target string, ops []string) error {
	return &Error{
		Kind: KindUnsupportedOperator,
		Op:   op,
		Err:  &UnsupportedOperatorError{Target: target, Ops: ops},
	}
}
