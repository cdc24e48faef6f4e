// Package githost implements the GitHost abstraction the git outbox worker
// executes against: shelling out to the local git binary and a repo host
// CLI (gh) to commit artifacts, open pull requests, and report merge
// checks. It is kept to the smallest interface the git outbox worker
// needs, so tests substitute a fake rather than driving a real repository.
package githost

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommitInput describes one commit to push to a branch.
type CommitInput struct {
	RepoDir    string            `json:"repo_dir"`
	BranchName string            `json:"branch_name"`
	Files      map[string][]byte `json:"files"` // path relative to RepoDir -> content
	Message    string            `json:"message"`
}

// CommitResult reports what a successful commit produced.
type CommitResult struct {
	BranchName string `json:"branch_name"`
	CommitSHA  string `json:"commit_sha"`
}

// PROpenInput describes one pull request to open.
type PROpenInput struct {
	RepoDir    string `json:"repo_dir"`
	BranchName string `json:"branch_name"`
	BaseBranch string `json:"base_branch"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Draft      bool   `json:"draft"`
}

// PRResult reports what a successful PR open produced.
type PRResult struct {
	PRURL    string `json:"pr_url"`
	PRNumber int    `json:"pr_number"`
}

// CheckState mirrors gitoutbox.CheckState but is the host's view, decoupled
// from the outbox package so githost has no dependency on it.
type CheckState struct {
	PassingChecks map[string]bool
	Approvals     int
	IsDraft       bool
}

// Host is the smallest surface the git outbox worker needs: commit, open a
// PR, check mergeability, and merge. Concrete implementations may call
// external CLIs; nothing requires it, only that the seam exists.
type Host interface {
	Commit(ctx context.Context, in CommitInput) (CommitResult, error)
	OpenPR(ctx context.Context, in PROpenInput) (PRResult, error)
	CheckStatus(ctx context.Context, repoDir string, prNumber int) (CheckState, error)
	Merge(ctx context.Context, repoDir string, prNumber int) error
}

// CLIHost implements Host by shelling out to `git` and the `gh` CLI,
// the same subprocess pattern used for any external tool this module
// does not vendor a client library for.
type CLIHost struct {
	GitBin string
	GHBin  string
	Timeout time.Duration
}

// NewCLIHost returns a CLIHost using the `git` and `gh` binaries found on
// PATH, with a bounded per-invocation timeout.
func NewCLIHost() *CLIHost {
	return &CLIHost{GitBin: "git", GHBin: "gh", Timeout: 30 * time.Second}
}

func (h *CLIHost) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// Commit checks out in.BranchName (creating it if needed), writes every file
// in in.Files, and commits them.
func (h *CLIHost) Commit(ctx context.Context, in CommitInput) (CommitResult, error) {
	if _, err := h.run(ctx, in.RepoDir, h.GitBin, "checkout", "-B", in.BranchName); err != nil {
		return CommitResult{}, fmt.Errorf("checkout branch: %w", err)
	}
	for path, content := range in.Files {
		if err := writeRepoFile(in.RepoDir, path, content); err != nil {
			return CommitResult{}, err
		}
		if _, err := h.run(ctx, in.RepoDir, h.GitBin, "add", path); err != nil {
			return CommitResult{}, fmt.Errorf("git add %s: %w", path, err)
		}
	}
	if _, err := h.run(ctx, in.RepoDir, h.GitBin, "commit", "-m", in.Message); err != nil {
		return CommitResult{}, fmt.Errorf("git commit: %w", err)
	}
	sha, err := h.run(ctx, in.RepoDir, h.GitBin, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, fmt.Errorf("rev-parse HEAD: %w", err)
	}
	if _, err := h.run(ctx, in.RepoDir, h.GitBin, "push", "-u", "origin", in.BranchName); err != nil {
		return CommitResult{}, fmt.Errorf("git push: %w", err)
	}
	return CommitResult{BranchName: in.BranchName, CommitSHA: sha}, nil
}

// OpenPR opens a pull request for in.BranchName against in.BaseBranch.
func (h *CLIHost) OpenPR(ctx context.Context, in PROpenInput) (PRResult, error) {
	args := []string{"pr", "create", "--head", in.BranchName, "--base", in.BaseBranch, "--title", in.Title, "--body", in.Body}
	if in.Draft {
		args = append(args, "--draft")
	}
	out, err := h.run(ctx, in.RepoDir, h.GHBin, args...)
	if err != nil {
		return PRResult{}, fmt.Errorf("gh pr create: %w", err)
	}
	return PRResult{PRURL: out, PRNumber: prNumberFromURL(out)}, nil
}

// CheckStatus reads a PR's required-checks, approvals, and draft state via
// `gh pr view --json`.
func (h *CLIHost) CheckStatus(ctx context.Context, repoDir string, prNumber int) (CheckState, error) {
	out, err := h.run(ctx, repoDir, h.GHBin, "pr", "view", strconv.Itoa(prNumber),
		"--json", "statusCheckRollup,reviewDecision,isDraft")
	if err != nil {
		return CheckState{}, fmt.Errorf("gh pr view: %w", err)
	}
	return parseCheckStatus(out)
}

// Merge merges a PR via `gh pr merge`.
func (h *CLIHost) Merge(ctx context.Context, repoDir string, prNumber int) error {
	_, err := h.run(ctx, repoDir, h.GHBin, "pr", "merge", strconv.Itoa(prNumber), "--squash")
	if err != nil {
		return fmt.Errorf("gh pr merge: %w", err)
	}
	return nil
}

func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(url[idx+1:]))
	return n
}
