package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// minGitMinor is the first git 2.x release with 'git worktree'
const minGitMinor = 5

// GitChecker verifies that git is installed and new enough for worktrees
type GitChecker struct {
	// Repo, when set, must be a git repository
	Repo string
}

func (c GitChecker) Name() string { return "git" }

func (c GitChecker) Check(ctx context.Context) *Result {
	path, err := exec.LookPath("git")
	if err != nil {
		return Unhealthy("git not found in PATH").
			WithDetail("suggestion", "Install git 2.5 or later")
	}
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return Unhealthy("failed to run git --version").WithDetail("error", err.Error())
	}

	version := parseGitVersion(string(out))
	major, minor, ok := splitVersion(version)
	if !ok {
		return Degraded("cannot parse git version").WithDetail("output", strings.TrimSpace(string(out)))
	}
	if major < 2 || (major == 2 && minor < minGitMinor) {
		return Unhealthy(fmt.Sprintf("git %s has no worktree support", version)).
			WithDetail("suggestion", "Upgrade git to 2.5 or later")
	}

	res := Healthy("git " + version).WithDetail("path", path)
	if c.Repo != "" {
		cmd := exec.CommandContext(ctx, path, "rev-parse", "--git-dir")
		cmd.Dir = c.Repo
		if err := cmd.Run(); err != nil {
			return Unhealthy(fmt.Sprintf("%s is not a git repository", c.Repo)).
				WithDetail("suggestion", "Set integration.repo to the repository root")
		}
		res.WithDetail("repo", c.Repo)
	}
	return res
}

// parseGitVersion extracts "2.42.0" from "git version 2.42.0.windows.1"
func parseGitVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return ""
	}
	v := fields[2]
	if v == "" || v[0] < '0' || v[0] > '9' {
		return ""
	}
	for _, suffix := range []string{".windows", ".darwin", ".linux", " (Apple"} {
		if i := strings.Index(v, suffix); i > 0 {
			v = v[:i]
		}
	}
	return v
}

func splitVersion(v string) (major, minor int, ok bool) {
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// DirChecker verifies that a state directory exists or can be created, and
// is writable
type DirChecker struct {
	Label string
	Path  string
}

func (c DirChecker) Name() string { return c.Label }

func (c DirChecker) Check(_ context.Context) *Result {
	if err := os.MkdirAll(c.Path, 0o755); err != nil {
		return Unhealthy("cannot create directory").WithDetail("path", c.Path).WithDetail("error", err.Error())
	}
	f, err := os.CreateTemp(c.Path, ".probe-*")
	if err != nil {
		return Unhealthy("directory is not writable").WithDetail("path", c.Path).WithDetail("error", err.Error())
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return Healthy("writable").WithDetail("path", c.Path)
}

// CommandChecker verifies that the agent command resolves. An empty Command
// is degraded: nothing can run but everything else works.
type CommandChecker struct {
	Command string
}

func (c CommandChecker) Name() string { return "agent-command" }

func (c CommandChecker) Check(_ context.Context) *Result {
	if c.Command == "" {
		return Degraded("no agent command configured").
			WithDetail("suggestion", "Set agent.command in .flotilla/config.yaml")
	}
	path, err := exec.LookPath(c.Command)
	if err != nil {
		return Unhealthy(fmt.Sprintf("%s not found", filepath.Base(c.Command))).WithDetail("error", err.Error())
	}
	return Healthy("found").WithDetail("path", path)
}

// Pinger is implemented by stores that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger
type PingChecker struct {
	Label  string
	Target Pinger
}

func (c PingChecker) Name() string { return c.Label }

func (c PingChecker) Check(ctx context.Context) *Result {
	if err := c.Target.Ping(ctx); err != nil {
		return Unhealthy("unreachable").WithDetail("error", err.Error())
	}
	return Healthy("reachable")
}
