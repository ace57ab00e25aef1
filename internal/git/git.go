package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Client defines the git operations used to stamp a session with the state
// of the project it ran against.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	HeadCommit(path string) (string, error)
	IsDirty(path string) (bool, error)
	DirtyFiles(path string) ([]string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD.
func (c *RealClient) HeadCommit(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DirtyFiles lists paths with uncommitted changes, relative to the repo root.
func (c *RealClient) DirtyFiles(path string) ([]string, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelain(out), nil
}

// ParseStatusPorcelain parses `git status --porcelain` (v1) output into
// paths. Renames yield the new path.
func ParseStatusPorcelain(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		files = append(files, strings.Trim(p, `"`))
	}
	return files
}

// Provenance is the repository state a session started from.
type Provenance struct {
	Head   string
	Branch string
	Dirty  bool
}

// Describe returns the provenance of the repo containing path. ok is false
// when path is not inside a git work tree or git is not installed.
func Describe(c Client, path string) (p Provenance, ok bool) {
	if _, err := c.RepoRoot(path); err != nil {
		return Provenance{}, false
	}
	head, err := c.HeadCommit(path)
	if err != nil {
		// A repository without commits still has a branch and a status.
		head = ""
	}
	p.Head = head
	p.Branch, _ = c.CurrentBranch(path)
	p.Dirty, _ = c.IsDirty(path)
	return p, true
}
