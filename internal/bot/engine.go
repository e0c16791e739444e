// Package bot decides when the persona answers and drives the agent.
package bot

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/simonkberg/simon.dev-sub000/internal/chat"
	"github.com/simonkberg/simon.dev-sub000/internal/discord"
	"github.com/simonkberg/simon.dev-sub000/internal/kv"
	"github.com/simonkberg/simon.dev-sub000/internal/provider"
)

// seenTTL is how long a message id stays marked as handled. One
// instance wins the SetNX race; the rest drop the message.
const seenTTL = 60 * time.Second

// ChainResolver reconstructs the reply ancestry of a message.
type ChainResolver interface {
	MessageChain(ctx context.Context, messageID string) ([]chat.ChainEntry, error)
}

// Converser runs the tool-calling loop over conversation turns.
type Converser interface {
	Converse(ctx context.Context, turns []provider.Message, emit func(text string) error) error
}

// Poster posts messages back to the channel.
type Poster interface {
	CreateMessage(ctx context.Context, channelID, content string, ref *discord.MessageReference) (*discord.CreatedMessage, error)
}

// Engine subscribes to new-message events, filters them, and answers
// the ones that mention the bot.
type Engine struct {
	chains  ChainResolver
	agent   Converser
	poster  Poster
	store   kv.Store
	mention *regexp.Regexp

	botName string
	prefix  string
}

// New creates an engine for the given persona name. The mention
// pattern accepts hyphen, space, or no separator between the name
// parts, case-insensitively, on word boundaries.
func New(chains ChainResolver, agent Converser, poster Poster, store kv.Store, botName string) *Engine {
	return &Engine{
		chains:  chains,
		agent:   agent,
		poster:  poster,
		store:   store,
		mention: mentionPattern(botName),
		botName: botName,
		prefix:  botName + ": ",
	}
}

func mentionPattern(name string) *regexp.Regexp {
	parts := strings.Fields(name)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(quoted, `[- ]?`) + `\b`)
}

// HandleMessage processes one incoming message end to end. Every
// failure past the dedup gate is logged and swallowed: when anything
// goes wrong the bot simply stays quiet.
func (e *Engine) HandleMessage(ctx context.Context, msg discord.Message) {
	if msg.Type != discord.MessageTypeDefault && msg.Type != discord.MessageTypeReply {
		return
	}
	if strings.HasPrefix(msg.Content, e.prefix) {
		return
	}

	won, err := e.store.SetNX(ctx, "seen:"+msg.ID, "1", seenTTL)
	if err != nil {
		slog.Error("dedup store unavailable", "message_id", msg.ID, "error", err)
		return
	}
	if !won {
		return
	}

	chain, err := e.chains.MessageChain(ctx, msg.ID)
	if err != nil {
		slog.Error("failed to resolve message chain", "message_id", msg.ID, "error", err)
		return
	}

	if !e.mentioned(chain) {
		return
	}

	turns := e.chainTurns(chain)
	ref := &discord.MessageReference{MessageID: msg.ID, ChannelID: msg.ChannelID}

	err = e.agent.Converse(ctx, turns, func(text string) error {
		_, postErr := e.poster.CreateMessage(ctx, msg.ChannelID, text, ref)
		return postErr
	})
	if err != nil {
		slog.Error("failed to answer message", "message_id", msg.ID, "error", err)
	}
}

func (e *Engine) mentioned(chain []chat.ChainEntry) bool {
	for _, entry := range chain {
		if e.mention.MatchString(entry.Content) {
			return true
		}
	}
	return false
}

// chainTurns maps chain entries onto conversation turns. An entry is
// an assistant turn iff it was authored under the bot's own name.
func (e *Engine) chainTurns(chain []chat.ChainEntry) []provider.Message {
	turns := make([]provider.Message, 0, len(chain))
	for _, entry := range chain {
		role := "user"
		if entry.Username == e.botName {
			role = "assistant"
		}
		turns = append(turns, provider.TextMessage(role, entry.Content))
	}
	return turns
}
