// Package verify - Loads converted artifacts into a runtime and checks their
// declared tensors against the segmentation contract.
package verify

import (
	"context"
	"fmt"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Runtime loads an artifact and reports its declared signature.
type Runtime interface {
	// Name identifies the runtime in verification reports.
	Name() string
	// Load parses or instantiates the artifact.
	//
	// Arguments:
	//   - ctx: Cancels a running load.
	//   - a: The artifact, payload in memory.
	//
	// Returns:
	//   - conversion.Signature: The declared inputs and outputs.
	//   - error: An error if the runtime cannot load the artifact.
	Load(ctx context.Context, a *conversion.Artifact) (conversion.Signature, error)
}

// StaticRuntime reads signatures straight from the serialized model
// without executing it.
type StaticRuntime struct{}

// Name returns "static".
func (StaticRuntime) Name() string {
	return "static"
}

// Load decodes the CoreML protobuf or TFLite flat-buffer.
func (StaticRuntime) Load(_ context.Context, a *conversion.Artifact) (conversion.Signature, error) {
	switch a.Target.Family() {
	case conversion.FamilyCoreML:
		info, err := coreml.Inspect(a.Data)
		if err != nil {
			return conversion.Signature{}, err
		}
		return info.Signature, nil
	case conversion.FamilyTFLite:
		info, err := tflite.Inspect(a.Data)
		if err != nil {
			return conversion.Signature{}, err
		}
		return info.Signature, nil
	default:
		return conversion.Signature{}, errors.Errorf("no static reader for target %q", a.Target)
	}
}

// Verifier compares artifacts against a tensor contract.
type Verifier struct {
	fs       afero.Fs
	runtimes map[conversion.Family]Runtime
	fallback Runtime
}

// NewVerifier creates a verifier that uses the static runtime for every
// family without an explicit runtime.
//
// Arguments:
//   - fs: Used to read artifacts whose payload is not in memory.
//
// Returns:
//   - *Verifier: The verifier.
func NewVerifier(fs afero.Fs) *Verifier {
	return &Verifier{fs: fs, runtimes: make(map[conversion.Family]Runtime), fallback: StaticRuntime{}}
}

// WithRuntime routes artifacts of family to r.
func (v *Verifier) WithRuntime(family conversion.Family, r Runtime) *Verifier {
	v.runtimes[family] = r
	return v
}

// Verify loads the artifact and compares its first input and output with
// expected. Leading batch dimensions of 1 are ignored.
//
// Arguments:
//   - ctx: Cancels a running verification.
//   - a: The artifact.
//   - expected: The contract.
//
// Returns:
//   - *conversion.VerificationReport: Passed is false with mismatches when
//     the declared tensors differ from the contract.
//   - error: A VerificationError if the runtime cannot load the artifact.
func (v *Verifier) Verify(ctx context.Context, a *conversion.Artifact, expected conversion.TensorContract) (*conversion.VerificationReport, error) {
	const op = "verify.Verify"

	if a == nil {
		return nil, conversion.Errorf(conversion.KindVerification, op, "no artifact to verify")
	}
	rt := v.runtime(a.Target.Family())

	loaded, err := v.load(a)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindVerification, op, err)
	}
	sig, err := rt.Load(ctx, loaded)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindVerification, op,
			errors.Wrapf(err, "%s runtime could not load %s", rt.Name(), a.Target))
	}

	report := &conversion.VerificationReport{
		Artifact: a.Path,
		Target:   a.Target,
		Runtime:  rt.Name(),
	}
	report.Input, report.Mismatches = check("input", sig.Inputs, expected.Input, report.Mismatches)
	report.Output, report.Mismatches = check("output", sig.Outputs, expected.Output, report.Mismatches)
	report.Passed = len(report.Mismatches) == 0

	log.WithFields(log.Fields{
		"target":     a.Target,
		"runtime":    rt.Name(),
		"input":      report.Input.Shape,
		"output":     report.Output.Shape,
		"passed":     report.Passed,
		"mismatches": len(report.Mismatches),
	}).Debug("verified artifact")

	return report, nil
}

func (v *Verifier) runtime(f conversion.Family) Runtime {
	if r, ok := v.runtimes[f]; ok {
		return r
	}
	return v.fallback
}

func (v *Verifier) load(a *conversion.Artifact) (*conversion.Artifact, error) {
	if a.Data != nil {
		return a, nil
	}
	if a.Path == "" {
		return nil, errors.Errorf("%s artifact has neither data nor a path", a.Target)
	}
	data, err := afero.ReadFile(v.fs, a.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", a.Path)
	}
	c := *a
	c.Data = data
	return &c, nil
}

// check compares the first declared tensor with want and appends any
// differences to mismatches.
func check(role string, got []conversion.TensorSpec, want conversion.TensorSpec, mismatches []string) (conversion.TensorSpec, []string) {
	if len(got) == 0 {
		return conversion.TensorSpec{}, append(mismatches, fmt.Sprintf("%s: artifact declares no %s tensor", role, role))
	}
	observed := got[0]
	if len(got) > 1 {
		mismatches = append(mismatches, fmt.Sprintf("%s: expected 1 tensor, artifact declares %d", role, len(got)))
	}
	if shape := observed.Squeezed(len(want.Shape)); !equalShapes(shape, want.Shape) {
		mismatches = append(mismatches, fmt.Sprintf("%s: shape %v, want %v", role, observed.Shape, want.Shape))
	}
	if observed.ElemType != want.ElemType {
		mismatches = append(mismatches, fmt.Sprintf("%s: element type %s, want %s", role, observed.ElemType, want.ElemType))
	}
	return observed, mismatches
}

func equalShapes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
