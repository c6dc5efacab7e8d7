// Package ci implements continuous-integration providers.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"opd/internal/capability"
)

const defaultAPIBase = "https://api.github.com"

// GitHubActionsProvider triggers and inspects workflow runs through the
// GitHub Actions REST API.
type GitHubActionsProvider struct {
	config   map[string]string
	apiBase  string
	workflow string
	http     *http.Client
}

// NewGitHubActionsProvider builds the provider from its config map. Keys:
// token, workflow (file name, default ci.yml), api_base (optional).
func NewGitHubActionsProvider(config map[string]string) capability.Provider {
	return &GitHubActionsProvider{config: config}
}

func (p *GitHubActionsProvider) Initialize(ctx context.Context) error {
	token := p.config["token"]
	if token == "" {
		return fmt.Errorf("github-actions: token is required")
	}
	p.apiBase = strings.TrimRight(p.config["api_base"], "/")
	if p.apiBase == "" {
		p.apiBase = defaultAPIBase
	}
	p.workflow = p.config["workflow"]
	if p.workflow == "" {
		p.workflow = "ci.yml"
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	p.http = oauth2.NewClient(context.Background(), src)
	p.http.Timeout = 30 * time.Second
	return nil
}

func (p *GitHubActionsProvider) Cleanup(ctx context.Context) error { return nil }

func (p *GitHubActionsProvider) HealthCheck(ctx context.Context) capability.HealthStatus {
	start := time.Now()
	if p.http == nil {
		return capability.HealthStatus{Healthy: false, Message: "not initialized", CheckedAt: start}
	}
	var me struct {
		Login string `json:"login"`
	}
	err := p.request(ctx, http.MethodGet, "/user", nil, &me)
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

func (p *GitHubActionsProvider) Config() map[string]string { return p.config }

func (p *GitHubActionsProvider) Schema() []capability.SchemaField {
	return []capability.SchemaField{
		{Name: "token", Label: "Access Token", Type: capability.FieldPassword, Required: true},
		{Name: "workflow", Label: "Workflow File", Type: capability.FieldText, Default: "ci.yml"},
		{Name: "api_base", Label: "API Base URL", Type: capability.FieldText, Default: defaultAPIBase},
	}
}

// TriggerPipeline dispatches the configured workflow on a branch and
// returns the newest run for it. The dispatch API is asynchronous, so the
// run may still report queued.
func (p *GitHubActionsProvider) TriggerPipeline(ctx context.Context, repo, branch string) (*capability.PipelineRun, error) {
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", repo, p.workflow)
	if err := p.request(ctx, http.MethodPost, path, map[string]any{"ref": branch}, nil); err != nil {
		return nil, err
	}

	// The dispatch response carries no run id; poll the run list briefly.
	for i := 0; i < 5; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		run, err := p.latestRun(ctx, repo, branch)
		if err == nil && run != nil {
			return run, nil
		}
	}
	return &capability.PipelineRun{ID: "", Status: "queued"}, nil
}

func (p *GitHubActionsProvider) GetPipelineStatus(ctx context.Context, repo, id string) (string, error) {
	var run struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs/%s", repo, id)
	if err := p.request(ctx, http.MethodGet, path, nil, &run); err != nil {
		return "", err
	}
	if run.Status == "completed" {
		return run.Conclusion, nil
	}
	return run.Status, nil
}

// GetPipelineLogs returns the redirect target of the logs archive. Callers
// download it themselves; the archive can be large.
func (p *GitHubActionsProvider) GetPipelineLogs(ctx context.Context, repo, id string) (string, error) {
	path := fmt.Sprintf("/repos/%s/actions/runs/%s/logs", repo, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	client := *p.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return "", fmt.Errorf("github-actions: no logs location for run %s: %s", id, resp.Status)
}

func (p *GitHubActionsProvider) latestRun(ctx context.Context, repo, branch string) (*capability.PipelineRun, error) {
	var list struct {
		WorkflowRuns []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs?branch=%s&per_page=1", repo, branch)
	if err := p.request(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	if len(list.WorkflowRuns) == 0 {
		return nil, fmt.Errorf("github-actions: no runs on %s", branch)
	}
	run := list.WorkflowRuns[0]
	return &capability.PipelineRun{ID: fmt.Sprintf("%d", run.ID), Status: run.Status}, nil
}

func (p *GitHubActionsProvider) request(ctx context.Context, method, path string, payload, out any) error {
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
		return fmt.Errorf("github-actions: %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
