package app

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/segconvert/coreml"
	"github.com/nvr-ai/segconvert/onnx"
	"github.com/nvr-ai/segconvert/tflite"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Support lists the operators of a graph each native engine cannot convert.
type Support struct {
	CoreML []string
	TFLite []string
}

// OperatorSupport checks g against both native engines.
func OperatorSupport(g *onnx.ModelGraph) Support {
	return Support{
		CoreML: coreml.UnsupportedOps(g),
		TFLite: tflite.UnsupportedOps(g),
	}
}

// Inspect prints graph metadata, the operator histogram and per-target
// operator support.
//
// Arguments:
//   - fs: The filesystem holding the graph.
//   - path: The .onnx file.
//   - w: Where the summary is printed.
//
// Returns:
//   - Support: The unsupported operators per target.
//   - error: The classified load error.
func Inspect(fs afero.Fs, path string, w io.Writer) (Support, error) {
	g, err := onnx.Load(fs, path)
	if err != nil {
		return Support{}, err
	}

	fmt.Fprintf(w, "📁 %s (%.1f MB)\n", path, megabytes(g.Size))
	fmt.Fprintf(w, "   IR Version: %d\n", g.IRVersion)
	fmt.Fprintf(w, "   Producer: %s %s\n", g.ProducerName, g.ProducerVersion)
	fmt.Fprintf(w, "   Opset: %d\n", g.Opset())
	fmt.Fprintf(w, "   Weights: %d\n", g.WeightCount())
	for _, in := range g.RuntimeInputs() {
		fmt.Fprintf(w, "   Input  %s: %v %s\n", in.Name, in.Shape, in.ElemType.ElemType())
	}
	for _, out := range g.Outputs {
		fmt.Fprintf(w, "   Output %s: %v %s\n", out.Name, out.Shape, out.ElemType.ElemType())
	}

	hist := g.OpHistogram()
	ops := make([]string, 0, len(hist))
	for op := range hist {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if hist[ops[i]] != hist[ops[j]] {
			return hist[ops[i]] > hist[ops[j]]
		}
		return ops[i] < ops[j]
	})
	fmt.Fprintf(w, "\n📊 Operators (%d nodes):\n", len(g.Nodes))
	for _, op := range ops {
		fmt.Fprintf(w, "   %-24s %d\n", op, hist[op])
	}

	support := OperatorSupport(g)
	fmt.Fprintln(w)
	printSupport(w, "CoreML", support.CoreML)
	printSupport(w, "TFLite", support.TFLite)
	return support, nil
}

func printSupport(w io.Writer, target string, unsupported []string) {
	if len(unsupported) == 0 {
		fmt.Fprintf(w, "✅ %s: all operators supported\n", target)
		return
	}
	fmt.Fprintf(w, "❌ %s: unsupported %s\n", target, strings.Join(unsupported, ", "))
}

// WriteFixture writes the small segmentation test graph to path.
//
// Arguments:
//   - fs: The destination filesystem.
//   - path: The .onnx file to create.
//   - opts: Fixture shape options.
//
// Returns:
//   - int64: The number of bytes written.
//   - error: An error if the file cannot be written.
func WriteFixture(fs afero.Fs, path string, opts onnx.FixtureOptions) (int64, error) {
	data := onnx.Fixture(opts)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return 0, errors.Wrapf(err, "write %s", path)
	}
	return int64(len(data)), nil
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
