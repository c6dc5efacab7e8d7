// Package scm implements source-control providers. The GitHub provider
// pairs local git plumbing with the GitHub REST v3 API for pull-request
// lifecycle operations.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"opd/internal/capability"
)

const (
	defaultAPIBase = "https://api.github.com"
	cloneTimeout   = 120 * time.Second
	gitTimeout     = 60 * time.Second
)

// GitHubProvider drives github.com (or a GHES instance via api_base).
type GitHubProvider struct {
	config  map[string]string
	token   string
	apiBase string
	http    *http.Client
}

// NewGitHubProvider builds the provider from its config map. Keys: token,
// api_base (optional).
func NewGitHubProvider(config map[string]string) capability.Provider {
	return &GitHubProvider{config: config}
}

func (p *GitHubProvider) Initialize(ctx context.Context) error {
	p.token = p.config["token"]
	if p.token == "" {
		return fmt.Errorf("github: token is required")
	}
	p.apiBase = strings.TrimRight(p.config["api_base"], "/")
	if p.apiBase == "" {
		p.apiBase = defaultAPIBase
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.token})
	p.http = oauth2.NewClient(context.Background(), src)
	p.http.Timeout = 30 * time.Second
	return nil
}

func (p *GitHubProvider) Cleanup(ctx context.Context) error { return nil }

func (p *GitHubProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	start := time.Now()
	if p.http == nil {
		return capability.HealthStatus{Healthy: false, Message: "not initialized", CheckedAt: start}
	}
	var me struct {
		Login string `json:"login"`
	}
	err := p.getJSON(ctx, "/user", &me)
	status := capability.HealthStatus{
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: start,
	}
	if err != nil {
		status.Message = err.Error()
	}
	return status
}

func (p *GitHubProvider) Config() map[string]string { return p.config }

func (p *GitHubProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "token", Label: "Access Token", Type: capability.FieldPassword, Required: true},
		{Name: "api_base", Label: "API Base URL", Type: capability.FieldText, Default: defaultAPIBase},
	}
}

// authenticatedURL injects the token into an https clone URL so git can
// fetch private repos without credential helpers.
func (p *GitHubProvider) authenticatedURL(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", p.token)
	return u.String()
}

func (p *GitHubProvider) CloneRepo(ctx context.Context, repoURL, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	return runGit(ctx, "", "clone", "-c", "http.version=HTTP/1.1", p.authenticatedURL(repoURL), dir)
}

func (p *GitHubProvider) CreateBranch(ctx context.Context, dir, name string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return runGit(ctx, dir, "checkout", "-B", name)
}

func (p *GitHubProvider) CommitChanges(ctx context.Context, dir, message string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	if err := runGit(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	err := runGit(ctx, dir, "commit", "-m", message)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return nil
	}
	return err
}

func (p *GitHubProvider) PushBranch(ctx context.Context, dir, name string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return runGit(ctx, dir, "push", "-u", "origin", name)
}

func (p *GitHubProvider) CreatePullRequest(ctx context.Context, repo, branch, title, body string) (*capability.PullRequestInfo, error) {
	payload := map[string]any{
		"title": title, "body": body, "head": branch, "base": defaultBranch(ctx, repo, p),
	}
	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Title   string `json:"title"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/repos/"+repo+"/pulls", payload, &pr); err != nil {
		return nil, err
	}
	return &capability.PullRequestInfo{ID: pr.Number, URL: pr.HTMLURL, State: pr.State, Title: pr.Title}, nil
}

func (p *GitHubProvider) GetReviewComments(ctx context.Context, repo string, number int) ([]capability.ReviewComment, error) {
	var reviews []struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		State string `json:"state"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number)
	if err := p.getJSON(ctx, path, &reviews); err != nil {
		return nil, err
	}
	var comments []struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
		Path string `json:"path"`
		Line int    `json:"line"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	path = fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number)
	if err := p.getJSON(ctx, path, &comments); err != nil {
		return nil, err
	}

	out := make([]capability.ReviewComment, 0, len(reviews)+len(comments))
	for _, r := range reviews {
		if r.Body == "" {
			continue
		}
		out = append(out, capability.ReviewComment{
			ID: r.ID, User: r.User.Login, Body: r.Body, State: r.State,
		})
	}
	for _, c := range comments {
		out = append(out, capability.ReviewComment{
			ID: c.ID, User: c.User.Login, Body: c.Body, Path: c.Path, Line: c.Line,
		})
	}
	return out, nil
}

func (p *GitHubProvider) UpdatePullRequest(ctx context.Context, repo string, number int, title, body string) error {
	payload := map[string]any{}
	if title != "" {
		payload["title"] = title
	}
	if body != "" {
		payload["body"] = body
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	return p.doJSON(ctx, http.MethodPatch, path, payload, nil)
}

func (p *GitHubProvider) MergePullRequest(ctx context.Context, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number)
	return p.doJSON(ctx, http.MethodPut, path, map[string]any{"merge_method": "squash"}, nil)
}

func (p *GitHubProvider) GetPRStatus(ctx context.Context, repo string, number int) (string, error) {
	var pr struct {
		State  string `json:"state"`
		Merged bool   `json:"merged"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := p.getJSON(ctx, path, &pr); err != nil {
		return "", err
	}
	if pr.Merged {
		return "merged", nil
	}
	return pr.State, nil
}

// PreflightCheck verifies the token can see the repo and push to it.
func (p *GitHubProvider) PreflightCheck(ctx context.Context, repo string) (*capability.PreflightCheckResult, error) {
	var info struct {
		Permissions struct {
			Push bool `json:"push"`
		} `json:"permissions"`
	}
	if err := p.getJSON(ctx, "/repos/"+repo, &info); err != nil {
		return &capability.PreflightCheckResult{
			OK: false, Errors: []string{fmt.Sprintf("repository %s is not accessible: %v", repo, err)},
		}, nil
	}
	if !info.Permissions.Push {
		return &capability.PreflightCheckResult{
			OK: false, Errors: []string{fmt.Sprintf("token has no push permission on %s", repo)},
		}, nil
	}
	return &capability.PreflightCheckResult{OK: true}, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, path string, out any) error {
	return p.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (p *GitHubProvider) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github: %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// defaultBranch asks the API for the repo's default branch, falling back to
// main when the lookup fails.
func defaultBranch(ctx context.Context, repo string, p *GitHubProvider) string {
	var info struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := p.getJSON(ctx, "/repos/"+repo, &info); err != nil || info.DefaultBranch == "" {
		return "main"
	}
	return info.DefaultBranch
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
