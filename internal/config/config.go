// Package config provides configuration types and loading for simonbot.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct.
// Top-level groups: Bot, Discord, Anthropic, Redis, Stats.
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Discord   DiscordConfig   `json:"discord"`
	Anthropic AnthropicConfig `json:"anthropic"`
	Redis     RedisConfig     `json:"redis"`
	Stats     StatsConfig     `json:"stats"`
}

// ---------------------------------------------------------------------------
// Bot – persona and response behaviour
// ---------------------------------------------------------------------------

// BotConfig groups bot persona settings.
type BotConfig struct {
	// Name is the two-part persona name the mention matcher is built
	// from ("simon bot" matches simon-bot, simon bot and simonbot).
	Name string `json:"name" envconfig:"BOT_NAME"`
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `json:"systemPrompt" envconfig:"BOT_SYSTEM_PROMPT"`
}

// ---------------------------------------------------------------------------
// Discord – gateway and REST access
// ---------------------------------------------------------------------------

// DiscordConfig configures the chat platform connection.
type DiscordConfig struct {
	Token     string `json:"token" envconfig:"DISCORD_TOKEN"`
	GuildID   string `json:"guildId" envconfig:"DISCORD_GUILD_ID"`
	ChannelID string `json:"channelId" envconfig:"DISCORD_CHANNEL_ID"`
}

// ---------------------------------------------------------------------------
// Anthropic – LLM provider
// ---------------------------------------------------------------------------

// AnthropicConfig configures the LLM provider.
type AnthropicConfig struct {
	APIKey    string `json:"apiKey" envconfig:"ANTHROPIC_API_KEY"`
	APIBase   string `json:"apiBase,omitempty" envconfig:"ANTHROPIC_API_BASE"`
	Model     string `json:"model" envconfig:"ANTHROPIC_MODEL"`
	MaxTokens int    `json:"maxTokens" envconfig:"ANTHROPIC_MAX_TOKENS"`
}

// ---------------------------------------------------------------------------
// Redis – shared dedup store
// ---------------------------------------------------------------------------

// RedisConfig configures the shared key-value collaborator. When Addr
// is empty the bot falls back to an in-process store (single-instance
// dedup only).
type RedisConfig struct {
	Addr     string `json:"addr" envconfig:"REDIS_ADDR"`
	Password string `json:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `json:"db" envconfig:"REDIS_DB"`
}

// ---------------------------------------------------------------------------
// Stats – read-only statistics collaborators
// ---------------------------------------------------------------------------

// StatsConfig configures the auxiliary statistics fetchers exposed to
// the agent as tools.
type StatsConfig struct {
	SteamAPIKey string `json:"steamApiKey" envconfig:"STEAM_API_KEY"`
	SteamID     string `json:"steamId" envconfig:"STEAM_ID"`
	GitHubUser  string `json:"githubUser" envconfig:"GITHUB_USER"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name: "simon bot",
			SystemPrompt: "You are simon bot, the resident bot of simon.dev's site chat. " +
				"Keep answers short and conversational. Use the available tools when " +
				"someone asks about stats you can look up.",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
		},
		Stats: StatsConfig{
			GitHubUser: "simonkberg",
		},
	}
}

// Load builds the configuration from defaults overlaid with
// environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process("simonbot", cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	var missing []string
	if c.Discord.Token == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}
	if c.Discord.ChannelID == "" {
		missing = append(missing, "DISCORD_CHANNEL_ID")
	}
	if c.Anthropic.APIKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
