package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var testEnv = []string{"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1"}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), testEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s (%v)", args, out, err)
	}
	return string(out)
}

// setupTestRepo creates a repository on main with one commit
func setupTestRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()

	gitCmd(t, dir, "init")
	gitCmd(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	gitCmd(t, dir, "config", "user.email", "test@test.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	commitFile(t, dir, "README.md", "hello\n", "initial commit")
	return dir
}

func commitFile(t *testing.T, dir, filename, content, message string) {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, dir, "add", filename)
	gitCmd(t, dir, "commit", "-m", message)
}

// agentBranch creates branch from base and commits one file on it
func agentBranch(t *testing.T, repo, branch, base, filename, content string) {
	t.Helper()
	gitCmd(t, repo, "checkout", "-q", "-b", branch, base)
	commitFile(t, repo, filename, content, "work on "+branch)
	gitCmd(t, repo, "checkout", "-q", "main")
}
