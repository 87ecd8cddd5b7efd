package onnx

import (
	"os"
	"path/filepath"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Load reads and parses an ONNX graph. The file is only read; nothing is
// created or modified.
//
// Arguments:
//   - fs: The filesystem to read from.
//   - path: Path to the .onnx file.
//
// Returns:
//   - *ModelGraph: The parsed graph.
//   - error: An InputNotFoundError if the file is absent or unreadable, a
//     GraphParseError if it does not decode as a supported ONNX graph.
func Load(fs afero.Fs, path string) (*ModelGraph, error) {
	const op = "onnx.Load"

	info, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, conversion.Wrap(conversion.KindInputNotFound, op, errors.Wrapf(err, "ONNX model not found: %s", path))
		}
		return nil, conversion.Wrap(conversion.KindInputNotFound, op, errors.Wrapf(err, "stat %s", path))
	}
	if info.IsDir() {
		return nil, conversion.Errorf(conversion.KindInputNotFound, op, "%s is a directory", path)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindInputNotFound, op, errors.Wrapf(err, "read %s", path))
	}

	dir := filepath.Dir(path)
	resolve := func(location string) ([]byte, error) {
		return afero.ReadFile(fs, filepath.Join(dir, filepath.Clean(location)))
	}

	g, err := Decode(data, resolve)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindGraphParse, op, errors.Wrapf(err, "parse %s", path))
	}
	g.Path = path

	log.WithFields(log.Fields{
		"path":       path,
		"ir_version": g.IRVersion,
		"producer":   g.ProducerName,
		"opset":      g.Opset(),
		"nodes":      len(g.Nodes),
		"weights":    g.WeightCount(),
	}).Debug("ONNX graph loaded")

	return g, nil
}
