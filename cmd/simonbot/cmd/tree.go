package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/simonkberg/simon.dev-sub000/internal/chat"
	"github.com/simonkberg/simon.dev-sub000/internal/config"
	"github.com/simonkberg/simon.dev-sub000/internal/discord"
)

var treeLimit int

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the channel's recent messages as a reply tree",
	Run:   runTree,
}

func init() {
	treeCmd.Flags().IntVar(&treeLimit, "limit", 50, "number of recent messages to fetch")
	rootCmd.AddCommand(treeCmd)
}

// authorColors maps the site palette onto terminal colors.
var authorColors = map[string]*color.Color{
	"#e06c75": color.New(color.FgRed),
	"#e5c07b": color.New(color.FgYellow),
	"#98c379": color.New(color.FgGreen),
	"#56b6c2": color.New(color.FgCyan),
	"#61afef": color.New(color.FgBlue),
	"#c678dd": color.New(color.FgMagenta),
	"#d19a66": color.New(color.FgHiYellow),
	"#abb2bf": color.New(color.FgWhite),
}

func runTree(cmd *cobra.Command, args []string) {
	printHeader("💬 Channel tree")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rest := discord.NewRESTClient(cfg.Discord.Token)
	identities := chat.NewIdentityResolver(rest, cfg.Discord.GuildID)
	chains := chat.NewResolver(rest, identities, cfg.Discord.ChannelID, cfg.Bot.Name)

	forest, err := chains.ChannelMessages(ctx, treeLimit)
	if err != nil {
		fmt.Printf("Fetch error: %v\n", err)
		os.Exit(1)
	}

	for _, msg := range forest {
		printTree(msg, 0)
	}
}

func printTree(msg *chat.TreeMessage, depth int) {
	indent := strings.Repeat("  ", depth)
	name := msg.Author.Name
	if c, ok := authorColors[msg.Author.Color]; ok {
		name = c.Sprint(name)
	}
	suffix := ""
	if msg.Edited {
		suffix = " (edited)"
	}
	fmt.Printf("%s%s: %s%s\n", indent, name, msg.Content, suffix)
	for _, reply := range msg.Replies {
		printTree(reply, depth+1)
	}
}
