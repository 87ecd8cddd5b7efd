package savedmodel

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Write stores the model as a SavedModel directory, replacing any previous
// saved_model.pb in it.
//
// Arguments:
//   - fs: The filesystem to write to.
//   - dir: The SavedModel directory.
//   - m: The model.
//
// Returns:
//   - error: An error if the directory or files cannot be written.
func Write(fs afero.Fs, dir string, m *SavedModel) error {
	if err := fs.MkdirAll(filepath.Join(dir, VariablesDir), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, ModelFile)
	if err := afero.WriteFile(fs, path, m.Encode(), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// Read loads a SavedModel directory.
//
// Arguments:
//   - fs: The filesystem to read from.
//   - dir: The SavedModel directory.
//
// Returns:
//   - *SavedModel: The decoded model.
//   - error: An error if saved_model.pb is missing or malformed.
func Read(fs afero.Fs, dir string) (*SavedModel, error) {
	path := filepath.Join(dir, ModelFile)
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	m, err := Decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return m, nil
}

// Exists reports whether dir holds a saved_model.pb.
func Exists(fs afero.Fs, dir string) bool {
	ok, err := afero.Exists(fs, filepath.Join(dir, ModelFile))
	return err == nil && ok
}
