package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external program and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, truncate(msg, 512))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// ParseFunc turns process stdout into text and a 0-1 confidence.
type ParseFunc func(stdout []byte) (string, float64, error)

// ProcessEngine spawns one process per recognition call. Args may contain the
// placeholders {image} and {langs} (comma-joined language list).
type ProcessEngine struct {
	name   string
	binary string
	args   []string
	runner Runner
	parse  ParseFunc
}

// NewProcessEngine builds an engine from a command template and parser.
func NewProcessEngine(name, binary string, args []string, runner Runner, parse ParseFunc) *ProcessEngine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ProcessEngine{name: name, binary: binary, args: append([]string(nil), args...), runner: runner, parse: parse}
}

func (e *ProcessEngine) Name() string { return e.name }

func (e *ProcessEngine) Recognize(ctx context.Context, imagePath string, languages []string) Output {
	out, err := e.runner.Run(ctx, e.binary, expandArgs(e.args, imagePath, languages)...)
	if err != nil {
		return Failed(e.name, err)
	}
	text, conf, err := e.parse(out)
	if err != nil {
		return Failed(e.name, err)
	}
	return Succeeded(e.name, text, conf)
}

func expandArgs(tmpl []string, imagePath string, languages []string) []string {
	langs := strings.Join(languages, ",")
	args := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		a = strings.ReplaceAll(a, "{image}", imagePath)
		a = strings.ReplaceAll(a, "{langs}", langs)
		args = append(args, a)
	}
	return args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
