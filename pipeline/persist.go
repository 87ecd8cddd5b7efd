package pipeline

import (
	"encoding/json"
	"path/filepath"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ReportFile is the name of the machine-readable report in a family directory.
const ReportFile = "conversion_report.json"

// persist writes the in-memory payload of a to path, creating the parent
// directory if needed, and returns the artifact located at path.
func persist(fs afero.Fs, a *conversion.Artifact, path string) (*conversion.Artifact, error) {
	const op = "pipeline.Persist"

	if a == nil || a.Data == nil {
		return nil, conversion.Errorf(conversion.KindPersist, op, "artifact for %s has no payload", path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, conversion.Wrap(conversion.KindPersist, op, errors.Wrapf(err, "create %s", filepath.Dir(path)))
	}
	if err := afero.WriteFile(fs, path, a.Data, 0o644); err != nil {
		return nil, conversion.Wrap(conversion.KindPersist, op, errors.Wrapf(err, "write %s", path))
	}

	info, err := fs.Stat(path)
	if err != nil {
		return nil, conversion.Wrap(conversion.KindPersist, op, errors.Wrapf(err, "stat %s", path))
	}
	out := a.WithPath(path)
	out.Size = info.Size()
	return out, nil
}

// writeReport saves r as indented JSON under dir.
func writeReport(fs afero.Fs, dir string, r *Report) (string, error) {
	const op = "pipeline.Report"

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", conversion.Wrap(conversion.KindPersist, op, errors.Wrap(err, "marshal report"))
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", conversion.Wrap(conversion.KindPersist, op, errors.Wrapf(err, "create %s", dir))
	}
	path := filepath.Join(dir, ReportFile)
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return "", conversion.Wrap(conversion.KindPersist, op, errors.Wrapf(err, "write %s", path))
	}
	return path, nil
}

// dirExists reports whether dir is an existing directory.
func dirExists(fs afero.Fs, dir string) bool {
	ok, err := afero.DirExists(fs, dir)
	return err == nil && ok
}
