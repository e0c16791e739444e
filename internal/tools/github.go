package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const githubAPIBase = "https://api.github.com"

// GitHubTool fetches public profile counters for a GitHub user.
// Defaults to the configured user when the LLM passes no username.
type GitHubTool struct {
	defaultUser string
	apiBase     string
	http        *http.Client
}

// NewGitHubTool creates the GitHub statistics fetcher.
func NewGitHubTool(defaultUser string) *GitHubTool {
	return &GitHubTool{
		defaultUser: defaultUser,
		apiBase:     githubAPIBase,
		http:        &http.Client{Timeout: statsTimeout},
	}
}

func (t *GitHubTool) Name() string { return "get_github_stats" }

func (t *GitHubTool) Description() string {
	return "Get public GitHub profile stats (repos, followers) for a user. " +
		"Defaults to Simon's profile."
}

func (t *GitHubTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"username": map[string]any{
				"type":        "string",
				"description": "GitHub username to look up.",
			},
		},
	}
}

func (t *GitHubTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	user := t.defaultUser
	if raw, ok := input["username"]; ok {
		s, ok := raw.(string)
		if !ok || s == "" {
			return "", &InputError{Field: "username", Reason: "must be a non-empty string"}
		}
		user = s
	}

	endpoint := t.apiBase + "/users/" + url.PathEscape(user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("github: unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	var out struct {
		Login       string `json:"login"`
		PublicRepos int    `json:"public_repos"`
		Followers   int    `json:"followers"`
		Following   int    `json:"following"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("github: decode response: %w", err)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("github: marshal payload: %w", err)
	}
	return string(payload), nil
}
