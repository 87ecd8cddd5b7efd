// Package engines - Conversion engines that delegate to an external converter
// toolchain, one subprocess per stage.
package engines

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/nvr-ai/segconvert/conversion"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Placeholders substituted into command templates.
const (
	PlaceholderInput     = "{input}"
	PlaceholderOutput    = "{output}"
	PlaceholderTarget    = "{target}"
	PlaceholderPrecision = "{precision}"
)

// Runner starts converter processes.
type Runner interface {
	// LookPath resolves an executable name.
	LookPath(file string) (string, error)
	// Run executes the command to completion and returns its captured output.
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands as operating system processes.
type ExecRunner struct{}

// LookPath resolves file on PATH.
func (ExecRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Run starts the process and waits for it.
func (ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Command is a converter invocation template such as
// "python3 -m onnx_coreml {input} {output} --target {target}".
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a template on whitespace.
//
// Arguments:
//   - template: The command line with placeholders.
//
// Returns:
//   - Command: The parsed command.
//   - error: An error if the template is empty.
func ParseCommand(template string) (Command, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return Command{}, errors.New("empty converter command")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// Expand substitutes placeholders in every argument.
func (c Command) Expand(values map[string]string) []string {
	pairs := make([]string, 0, 2*len(values))
	for _, k := range sortedKeys(values) {
		pairs = append(pairs, k, values[k])
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = r.Replace(a)
	}
	return out
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

func (c Command) uses(placeholder string) bool {
	for _, a := range c.Args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}

// run executes the expanded command, logging its output at debug level.
// Commands that reference {scripts} get the bundled helpers unpacked on fsys
// for the duration of the call.
func run(ctx context.Context, fsys afero.Fs, r Runner, c Command, values map[string]string) ([]byte, error) {
	if c.uses(PlaceholderScripts) {
		dir, err := unpackScripts(fsys)
		if err != nil {
			return nil, err
		}
		defer fsys.RemoveAll(dir) //nolint:errcheck

		expanded := make(map[string]string, len(values)+1)
		for k, v := range values {
			expanded[k] = v
		}
		expanded[PlaceholderScripts] = dir
		values = expanded
	}

	args := c.Expand(values)
	entry := log.WithFields(log.Fields{"command": c.Name, "args": strings.Join(args, " ")})
	entry.Debug("starting converter")

	stdout, stderr, err := r.Run(ctx, c.Name, args)
	if len(stdout) > 0 {
		entry.Debugf("converter stdout:\n%s", stdout)
	}
	if err != nil {
		entry.WithError(err).Errorf("converter failed:\n%s", stderr)
		return stderr, errors.Wrapf(err, "%s: %s", c.Name, lastLine(stderr))
	}
	return stderr, nil
}

// toolchain is the process side shared by the exec engines: where converters
// write, how they are started and the optional dependency check.
type toolchain struct {
	fs     afero.Fs
	runner Runner
	check  *Command
}

func (t *toolchain) setCheck(template string) error {
	if strings.TrimSpace(template) == "" {
		t.check = nil
		return nil
	}
	cmd, err := ParseCommand(template)
	if err != nil {
		return err
	}
	t.check = &cmd
	return nil
}

// available resolves every command on the search path, then runs the check
// command. Any failure is a MissingDependencyError.
func (t *toolchain) available(op, what string, commands ...Command) error {
	if t.check != nil {
		commands = append(commands, *t.check)
	}
	for _, c := range commands {
		if _, err := t.runner.LookPath(c.Name); err != nil {
			return conversion.Wrap(conversion.KindMissingDependency, op,
				errors.Wrapf(err, "%s converter %q not found", what, c.Name))
		}
	}
	if t.check == nil {
		return nil
	}

	stderr, err := run(context.Background(), t.fs, t.runner, *t.check, nil)
	if err == nil {
		return nil
	}
	if mods := missingModules(stderr); len(mods) > 0 {
		err = errors.Errorf("missing Python modules: %s", strings.Join(mods, ", "))
	}
	return conversion.Wrap(conversion.KindMissingDependency, op, errors.Wrapf(err, "%s toolchain check", what))
}

// failure classifies a failed converter run by its diagnostics.
func failure(kind conversion.Kind, op string, family conversion.Family, stderr []byte, err error) error {
	if mods := missingModules(stderr); len(mods) > 0 {
		return conversion.Wrap(conversion.KindMissingDependency, op,
			errors.Wrapf(err, "missing Python modules: %s", strings.Join(mods, ", ")))
	}
	if ops := unsupportedOps(stderr); len(ops) > 0 {
		return conversion.Unsupported(op, string(family), ops)
	}
	return conversion.Wrap(kind, op, err)
}

// Converter front-ends report unmapped operators in a handful of phrasings.
var unsupportedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`op of type:?\s*['"]?([A-Za-z][A-Za-z0-9_]*)`),
	regexp.MustCompile(`(?i)unsupported (?:onnx )?op(?:erator)?s?(?: type)?:?\s*['"\[]?([A-Za-z][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\b([A-Z][A-Za-z0-9_]*) is not (?:implemented|supported)`),
}

// unsupportedOps extracts operator names from converter diagnostics, sorted
// and without duplicates.
func unsupportedOps(stderr []byte) []string {
	seen := make(map[string]bool)
	for _, re := range unsupportedPatterns {
		for _, m := range re.FindAllSubmatch(stderr, -1) {
			seen[string(m[1])] = true
		}
	}
	out := make([]string, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
