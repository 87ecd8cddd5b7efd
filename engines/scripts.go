package engines

import (
	"embed"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// PlaceholderScripts expands to a directory holding the bundled Python
// helpers for the duration of one command.
const PlaceholderScripts = "{scripts}"

// Default command templates. They run the bundled helpers, which drive
// onnx-coreml, onnx-tf and the TensorFlow Lite converter.
const (
	DefaultCoreMLCommand       = "python3 {scripts}/onnx_to_coreml.py {input} {output} {target}"
	DefaultCoreMLCheck         = "python3 {scripts}/check_modules.py onnx onnx_coreml coremltools"
	DefaultIntermediateCommand = "python3 {scripts}/onnx_to_savedmodel.py {input} {output}"
	DefaultBytecodeCommand     = "python3 {scripts}/savedmodel_to_tflite.py {input} {output} {precision}"
	DefaultTFLiteCheck         = "python3 {scripts}/check_modules.py onnx onnx_tf tensorflow"
)

//go:embed scripts/*.py
var bundled embed.FS

// The helpers print one line per module they cannot import.
var missingModulePattern = regexp.MustCompile(`missing python module: ([A-Za-z_][A-Za-z0-9_.]*)`)

// unpackScripts writes the bundled helpers into a new temporary directory
// on fsys.
//
// Returns:
//   - string: The directory.
//   - error: An error if a helper cannot be written.
func unpackScripts(fsys afero.Fs) (string, error) {
	dir, err := afero.TempDir(fsys, "", "segconvert-scripts")
	if err != nil {
		return "", errors.Wrap(err, "create scripts directory")
	}
	entries, err := fs.ReadDir(bundled, "scripts")
	if err != nil {
		return "", errors.Wrap(err, "list bundled scripts")
	}
	for _, e := range entries {
		data, err := bundled.ReadFile("scripts/" + e.Name())
		if err != nil {
			return "", errors.Wrapf(err, "read bundled %s", e.Name())
		}
		if err := afero.WriteFile(fsys, filepath.Join(dir, e.Name()), data, 0o755); err != nil {
			fsys.RemoveAll(dir) //nolint:errcheck
			return "", errors.Wrapf(err, "write %s", e.Name())
		}
	}
	return dir, nil
}

// missingModules extracts the Python modules a helper could not import,
// in order of appearance.
func missingModules(stderr []byte) []string {
	var out []string
	for _, m := range missingModulePattern.FindAllSubmatch(stderr, -1) {
		out = append(out, string(m[1]))
	}
	return out
}
