package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simonkberg/simon.dev-sub000/internal/agent"
	"github.com/simonkberg/simon.dev-sub000/internal/bot"
	"github.com/simonkberg/simon.dev-sub000/internal/chat"
	"github.com/simonkberg/simon.dev-sub000/internal/config"
	"github.com/simonkberg/simon.dev-sub000/internal/discord"
	"github.com/simonkberg/simon.dev-sub000/internal/kv"
	"github.com/simonkberg/simon.dev-sub000/internal/provider"
	"github.com/simonkberg/simon.dev-sub000/internal/tools"
)

var runDebug bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and answer mentions",
	Run:   runBot,
}

func init() {
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

func runBot(cmd *cobra.Command, args []string) {
	printHeader("🤖 simon bot")

	level := slog.LevelInfo
	if runDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := newStore(ctx, cfg)

	rest := discord.NewRESTClient(cfg.Discord.Token)
	identities := chat.NewIdentityResolver(rest, cfg.Discord.GuildID)
	chains := chat.NewResolver(rest, identities, cfg.Discord.ChannelID, cfg.Bot.Name)

	registry := tools.NewRegistry()
	if cfg.Stats.SteamAPIKey != "" && cfg.Stats.SteamID != "" {
		registry.Register(tools.NewSteamTool(cfg.Stats.SteamAPIKey, cfg.Stats.SteamID))
	}
	registry.Register(tools.NewGitHubTool(cfg.Stats.GitHubUser))

	loop := agent.New(agent.Options{
		LLM:       provider.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.APIBase),
		Registry:  registry,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		System:    cfg.Bot.SystemPrompt,
	})

	engine := bot.New(chains, loop, rest, store, cfg.Bot.Name)

	gw := discord.NewGateway(cfg.Discord.Token, cfg.Discord.ChannelID)
	unsubscribe, err := gw.SubscribeMessages(ctx, func(msg discord.Message) {
		go engine.HandleMessage(ctx, msg)
	})
	if err != nil {
		fmt.Printf("Gateway error: %v\n", err)
		os.Exit(1)
	}
	defer unsubscribe()

	slog.Info("bot running", "channel", cfg.Discord.ChannelID, "model", cfg.Anthropic.Model)

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	gw.Close()
}

// newStore prefers the shared redis store so multiple instances dedup
// against each other; with no address configured it falls back to an
// in-process store.
func newStore(ctx context.Context, cfg *config.Config) kv.Store {
	if cfg.Redis.Addr == "" {
		slog.Warn("no redis address configured, dedup is per-instance only")
		return kv.NewMemoryStore()
	}
	store, err := kv.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis unavailable, dedup is per-instance only", "error", err)
		return kv.NewMemoryStore()
	}
	return store
}
