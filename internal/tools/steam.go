package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// statsTimeout is the fixed deadline for the read-only statistics
// collaborators.
const statsTimeout = 3 * time.Second

const steamAPIBase = "https://api.steampowered.com"

// SteamTool fetches recently played games for the configured Steam
// account. Single call, no retries.
type SteamTool struct {
	apiKey  string
	steamID string
	apiBase string
	http    *http.Client
}

// NewSteamTool creates the Steam statistics fetcher.
func NewSteamTool(apiKey, steamID string) *SteamTool {
	return &SteamTool{
		apiKey:  apiKey,
		steamID: steamID,
		apiBase: steamAPIBase,
		http:    &http.Client{Timeout: statsTimeout},
	}
}

func (t *SteamTool) Name() string { return "get_steam_stats" }

func (t *SteamTool) Description() string {
	return "Get Simon's recently played Steam games and playtime stats."
}

func (t *SteamTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{
				"type":        "number",
				"description": "Maximum number of games to return (1-25, default 5).",
			},
		},
	}
}

func (t *SteamTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	count := 5
	if raw, ok := input["count"]; ok {
		n, ok := raw.(float64)
		if !ok {
			return "", &InputError{Field: "count", Reason: "must be a number"}
		}
		if n < 1 || n > 25 {
			return "", &InputError{Field: "count", Reason: "must be between 1 and 25"}
		}
		count = int(n)
	}

	endpoint := t.apiBase + "/IPlayerService/GetRecentlyPlayedGames/v1/?" + url.Values{
		"key":     {t.apiKey},
		"steamid": {t.steamID},
		"count":   {strconv.Itoa(count)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("steam: build request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("steam: fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("steam: unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	var out struct {
		Response struct {
			TotalCount int `json:"total_count"`
			Games      []struct {
				Name            string `json:"name"`
				Playtime2Weeks  int    `json:"playtime_2weeks"`
				PlaytimeForever int    `json:"playtime_forever"`
			} `json:"games"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("steam: decode response: %w", err)
	}

	type game struct {
		Name         string `json:"name"`
		HoursRecent  string `json:"hours_past_two_weeks"`
		HoursForever string `json:"hours_total"`
	}
	games := make([]game, 0, len(out.Response.Games))
	for _, g := range out.Response.Games {
		games = append(games, game{
			Name:         g.Name,
			HoursRecent:  formatHours(g.Playtime2Weeks),
			HoursForever: formatHours(g.PlaytimeForever),
		})
	}
	payload, err := json.Marshal(map[string]any{
		"total_count": out.Response.TotalCount,
		"games":       games,
	})
	if err != nil {
		return "", fmt.Errorf("steam: marshal payload: %w", err)
	}
	return string(payload), nil
}

func formatHours(minutes int) string {
	return strconv.FormatFloat(float64(minutes)/60, 'f', 1, 64) + "h"
}
