package github

import (
	"context"
	"encoding/json"
	"fmt"
)

const apiAccept = "application/vnd.github+json"

// TreeEntry is one item of a recursive git tree listing
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
	Type string `json:"type"`
	SHA  string `json:"sha,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// IsFile reports whether the entry is a file (git blob)
func (e TreeEntry) IsFile() bool {
	return e.Type == "blob"
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Tree      []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

type repoInfo struct {
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

type branchInfo struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// ResolveBranch returns override when it is set, otherwise asks GitHub for
// the repository default branch.
func (c *RESTClient) ResolveBranch(ctx context.Context, repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return c.DefaultBranch(ctx, repo)
}

// DefaultBranch returns the configured default branch of repo, or "main"
// when GitHub does not report one.
func (c *RESTClient) DefaultBranch(ctx context.Context, repo string) (string, error) {
	var info repoInfo
	if err := c.getJSON(ctx, c.apiURL("repos", escapePath(repo)), &info); err != nil {
		return "", &RemoteUnavailableError{Repo: repo, Err: fmt.Errorf("failed to look up repository: %w", err)}
	}
	if info.DefaultBranch == "" {
		return "main", nil
	}
	return info.DefaultBranch, nil
}

// ResolveCommit resolves branch to the commit it currently points at
func (c *RESTClient) ResolveCommit(ctx context.Context, repo, branch string) (string, error) {
	var info branchInfo
	if err := c.getJSON(ctx, c.apiURL("repos", escapePath(repo), "branches", escapePath(branch)), &info); err != nil {
		return "", &RemoteUnavailableError{Repo: repo, Err: fmt.Errorf("failed to resolve branch %s: %w", branch, err)}
	}
	if info.Commit.SHA == "" {
		return "", &RemoteUnavailableError{Repo: repo, Err: fmt.Errorf("branch %s has no commit", branch)}
	}
	return info.Commit.SHA, nil
}

// ListTree resolves branch to a commit and returns the recursive tree of
// that commit. The listing is pinned to the commit so every entry belongs
// to the same snapshot.
func (c *RESTClient) ListTree(ctx context.Context, repo, branch string) ([]TreeEntry, error) {
	commit, err := c.ResolveCommit(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	var tree treeResponse
	treeURL := c.apiURL("repos", escapePath(repo), "git", "trees", commit) + "?recursive=1"
	if err := c.getJSON(ctx, treeURL, &tree); err != nil {
		return nil, &RemoteUnavailableError{Repo: repo, Err: fmt.Errorf("failed to list tree %s: %w", commit, err)}
	}

	if tree.Truncated {
		c.logger.Warn("tree listing was truncated by GitHub, some maps may be missing",
			"repo", repo,
			"commit", commit,
			"entries", len(tree.Tree))
	}

	c.logger.Debug("listed tree", "repo", repo, "branch", branch, "commit", commit, "entries", len(tree.Tree))
	return tree.Tree, nil
}

func (c *RESTClient) getJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.get(ctx, rawURL, apiAccept)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

func (c *RESTClient) apiURL(segments ...string) string {
	u := c.settings.APIURL
	for _, s := range segments {
		u += "/" + s
	}
	return u
}
