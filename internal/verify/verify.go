// Package verify runs language-appropriate syntax checks on mutated files.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnavailable means no checker could run for the file. Callers treat
	// it as a degraded pass.
	ErrUnavailable = errors.New("verifier unavailable")

	// ErrFailed means the checker rejected the file or did not finish in time.
	ErrFailed = errors.New("syntax verification failed")
)

// DefaultTimeout bounds every external checker invocation.
const DefaultTimeout = 10 * time.Second

// Checker describes one syntax check.
type Checker struct {
	Name string
	// Tool is the executable looked up on PATH. Empty for in-process checks.
	Tool string
	// ProjectLocal checks node_modules/.bin under the working dir before PATH.
	ProjectLocal bool
	Args func(path string) []string
	// InProcess checks the file contents without spawning a process.
	InProcess func(data []byte) error
}

// Registry picks a checker by file extension and runs it.
type Registry struct {
	byExt   map[string]Checker
	timeout time.Duration
	dir     string
	logger  *slog.Logger

	lookPath func(string) (string, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWorkingDir sets the directory checkers run in (usually the project
// root, so project-local tooling is found).
func WithWorkingDir(dir string) Option {
	return func(r *Registry) { r.dir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithChecker registers (or replaces) the checker for the given extensions.
func WithChecker(c Checker, exts ...string) Option {
	return func(r *Registry) {
		for _, ext := range exts {
			r.byExt[strings.ToLower(ext)] = c
		}
	}
}

// NewRegistry returns a registry with the built-in checkers.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byExt:    make(map[string]Checker),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		lookPath: exec.LookPath,
	}
	for _, c := range builtins {
		for _, ext := range c.exts {
			r.byExt[ext] = c.Checker
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var builtins = []struct {
	Checker
	exts []string
}{
	{Checker{Name: "node --check", Tool: "node", Args: func(p string) []string {
		return []string{"--check", p}
	}}, []string{".js", ".mjs", ".cjs"}},
	{Checker{Name: "tsc --noEmit", Tool: "tsc", ProjectLocal: true, Args: func(p string) []string {
		return []string{"--noEmit", "--skipLibCheck", "--allowJs", "--jsx", "preserve", p}
	}}, []string{".ts", ".tsx", ".jsx"}},
	{Checker{Name: "gofmt -e", Tool: "gofmt", Args: func(p string) []string {
		return []string{"-e", "-l", p}
	}}, []string{".go"}},
	{Checker{Name: "python ast", Tool: "python3", Args: func(p string) []string {
		return []string{"-c", "import ast,sys; ast.parse(open(sys.argv[1], encoding='utf-8').read(), sys.argv[1])", p}
	}}, []string{".py"}},
	{Checker{Name: "json", InProcess: checkJSON}, []string{".json"}},
	{Checker{Name: "yaml", InProcess: checkYAML}, []string{".yaml", ".yml"}},
}

// Verify checks the file at path. It returns the checker name and nil on
// success, an error wrapping ErrUnavailable when nothing could run, or an
// error wrapping ErrFailed with the checker output.
func (r *Registry) Verify(ctx context.Context, path string) (string, error) {
	c, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("%w: no checker for %s files", ErrUnavailable, filepath.Ext(path))
	}

	if c.InProcess != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return c.Name, fmt.Errorf("%w: read %s: %v", ErrFailed, path, err)
		}
		if err := c.InProcess(data); err != nil {
			return c.Name, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		return c.Name, nil
	}

	bin, err := r.resolve(c)
	if err != nil {
		r.logger.Warn("syntax checker not installed",
			slog.String("checker", c.Name),
			slog.String("tool", c.Tool),
		)
		return c.Name, fmt.Errorf("%w: %s not found", ErrUnavailable, c.Tool)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, c.Args(path)...)
	cmd.Dir = r.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err = cmd.Run()
	r.logger.Debug("syntax check finished",
		slog.String("checker", c.Name),
		slog.String("path", path),
		slog.Duration("elapsed", time.Since(start)),
	)

	if runCtx.Err() == context.DeadlineExceeded {
		return c.Name, fmt.Errorf("%w: %s timed out after %s", ErrFailed, c.Name, r.timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return c.Name, fmt.Errorf("%w: %s: %s", ErrFailed, c.Name, msg)
	}
	return c.Name, nil
}

// resolve finds the checker executable. Project-local tools win over PATH.
func (r *Registry) resolve(c Checker) (string, error) {
	if c.ProjectLocal {
		dir, err := filepath.Abs(r.dir)
		if err == nil {
			local := filepath.Join(dir, "node_modules", ".bin", c.Tool)
			if info, err := os.Stat(local); err == nil && !info.IsDir() {
				return local, nil
			}
		}
	}
	return r.lookPath(c.Tool)
}

func checkJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func checkYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	}
}
