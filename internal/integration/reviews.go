package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ReviewRequest describes a checkpoint review to open
type ReviewRequest struct {
	PRDID string
	Head  string
	Base  string
	Title string
	Body  string
}

// ReviewRequester opens a review request and returns its URL. It never merges.
type ReviewRequester interface {
	RequestReview(ctx context.Context, req ReviewRequest) (string, error)
}

// GitHubCLI opens pull requests with the gh CLI
type GitHubCLI struct {
	RepoPath string
	// Remote is pushed to before the pull request is opened; empty skips the push
	Remote string
	Git    GitOps
	// Binary defaults to "gh"
	Binary string
}

func (g GitHubCLI) RequestReview(ctx context.Context, req ReviewRequest) (string, error) {
	if g.Remote != "" && g.Git != nil {
		if err := g.Git.Push(ctx, g.RepoPath, g.Remote, req.Head); err != nil {
			return "", err
		}
	}

	out, err := g.gh(ctx, "pr", "create",
		"--base", req.Base,
		"--head", req.Head,
		"--title", req.Title,
		"--body", req.Body)
	if err != nil {
		// gh refuses a second pull request for the same head branch; reuse it
		if existing, viewErr := g.gh(ctx, "pr", "view", req.Head, "--json", "url", "--jq", ".url"); viewErr == nil {
			if url := lastLine(existing); url != "" {
				return url, nil
			}
		}
		return "", err
	}
	url := lastLine(out)
	if url == "" {
		return "", fmt.Errorf("gh pr create returned no URL")
	}
	return url, nil
}

func (g GitHubCLI) gh(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.RepoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args[:2], " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func lastLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// LocalReviews records review requests as markdown files and hands out
// local:// URLs. Used when no forge is configured.
type LocalReviews struct {
	// Dir receives one file per request; empty keeps requests in memory only
	Dir string

	mu     sync.Mutex
	counts map[string]int
}

func (r *LocalReviews) RequestReview(_ context.Context, req ReviewRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	dir := filepath.Join(r.Dir, strings.ReplaceAll(req.PRDID, "/", "__"))
	if _, seen := r.counts[req.PRDID]; !seen && r.Dir != "" {
		existing, _ := filepath.Glob(filepath.Join(dir, "checkpoint-*.md"))
		r.counts[req.PRDID] = len(existing)
	}
	r.counts[req.PRDID]++
	n := r.counts[req.PRDID]
	url := fmt.Sprintf("local://%s/checkpoint-%d", req.PRDID, n)

	if r.Dir == "" {
		return url, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create review directory: %w", err)
	}
	body := fmt.Sprintf("# %s\n\n%s -> %s\n\n%s\n", req.Title, req.Head, req.Base, req.Body)
	path := filepath.Join(dir, fmt.Sprintf("checkpoint-%d.md", n))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write review request: %w", err)
	}
	return url, nil
}
