package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/simonkberg/simon.dev-sub000/internal/discord"
)

// chainLimit caps the length of an ancestry chain.
const chainLimit = 50

// TreeMessage is one node of the display reply tree. Replies are
// ordered by ascending id; the tree is acyclic by construction
// because a node only becomes a child when its referenced parent is
// among the fetched messages.
type TreeMessage struct {
	ID      string
	Author  Author
	Content string
	Edited  bool
	Replies []*TreeMessage
}

// Author is the display identity attached to a tree node.
type Author struct {
	Name  string
	Color string
}

// ChainEntry is one step of a root-first ancestry chain.
type ChainEntry struct {
	ID       string
	Type     int
	Username string
	Content  string
	IsBot    bool
}

// Resolver builds reply trees and ancestry chains for one channel.
type Resolver struct {
	listMessages func(ctx context.Context, limit int) ([]discord.Message, error)
	getMessage   func(ctx context.Context, id string) (*discord.Message, error)

	identities *IdentityResolver
	botPrefix  string
	botName    string
}

// NewResolver creates a resolver for the configured channel. botName
// is the persona name whose prefix marks bot-authored lines.
func NewResolver(rest *discord.RESTClient, identities *IdentityResolver, channelID, botName string) *Resolver {
	return &Resolver{
		listMessages: func(ctx context.Context, limit int) ([]discord.Message, error) {
			return rest.ChannelMessages(ctx, channelID, limit)
		},
		getMessage: func(ctx context.Context, id string) (*discord.Message, error) {
			return rest.Message(ctx, channelID, id)
		},
		identities: identities,
		botPrefix:  botName + ": ",
		botName:    botName,
	}
}

// ChannelMessages fetches up to limit recent messages and rebuilds
// them into a reply forest. Replies whose parent is not among the
// fetched messages are dropped entirely, never promoted to the top
// level.
func (r *Resolver) ChannelMessages(ctx context.Context, limit int) ([]*TreeMessage, error) {
	wire, err := r.listMessages(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list channel messages: %w", err)
	}

	var msgs []discord.Message
	for _, m := range wire {
		if m.Type == discord.MessageTypeDefault || m.Type == discord.MessageTypeReply {
			msgs = append(msgs, m)
		}
	}

	names := r.resolveNames(ctx, msgs)

	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		present[m.ID] = true
	}
	children := make(map[string][]discord.Message)
	var roots []discord.Message
	for _, m := range msgs {
		switch {
		case m.Reference == nil || m.Reference.MessageID == "":
			roots = append(roots, m)
		case present[m.Reference.MessageID]:
			children[m.Reference.MessageID] = append(children[m.Reference.MessageID], m)
		default:
			// Orphaned reply: referenced parent was not fetched.
		}
	}

	return r.buildForest(roots, children, names), nil
}

// resolveNames determines the display name for every message in one
// pass: prefix-authored lines carry their name inline, everything
// else goes through a single batched identity lookup. A failed lookup
// falls back to the wire username.
func (r *Resolver) resolveNames(ctx context.Context, msgs []discord.Message) map[string]string {
	var lookup []string
	for _, m := range msgs {
		if _, _, ok := r.splitPrefixed(m); !ok {
			lookup = append(lookup, m.Author.ID)
		}
	}
	resolved := r.identities.ResolveMany(ctx, lookup)

	names := make(map[string]string, len(msgs))
	for _, m := range msgs {
		if name, _, ok := r.splitPrefixed(m); ok {
			names[m.ID] = name
			continue
		}
		if res, ok := resolved[m.Author.ID]; ok && res.Err == nil {
			names[m.ID] = res.Identity.DisplayName
		} else {
			names[m.ID] = m.Author.Username
		}
	}
	return names
}

func (r *Resolver) buildForest(roots []discord.Message, children map[string][]discord.Message, names map[string]string) []*TreeMessage {
	sortByID(roots)
	nodes := make([]*TreeMessage, 0, len(roots))
	for _, m := range roots {
		nodes = append(nodes, r.buildNode(m, children, names))
	}
	return nodes
}

func (r *Resolver) buildNode(m discord.Message, children map[string][]discord.Message, names map[string]string) *TreeMessage {
	name := names[m.ID]
	content := m.Content
	if _, text, ok := r.splitPrefixed(m); ok {
		content = text
	}
	node := &TreeMessage{
		ID:      m.ID,
		Author:  Author{Name: name, Color: nameColor(name)},
		Content: content,
		Edited:  m.EditedTimestamp != nil,
	}
	replies := children[m.ID]
	sortByID(replies)
	for _, child := range replies {
		node.Replies = append(node.Replies, r.buildNode(child, children, names))
	}
	return node
}

// MessageChain walks upward from the given message, one fetch per
// step, and returns the ancestry path root-first. The walk stops at a
// message without a parent reference, at chainLimit entries (keeping
// the most recent), or when the next parent has already been visited
// (the message closing the cycle is included without re-fetching).
func (r *Resolver) MessageChain(ctx context.Context, messageID string) ([]ChainEntry, error) {
	visited := make(map[string]bool)
	var chain []ChainEntry

	cur := messageID
	for len(chain) < chainLimit {
		msg, err := r.getMessage(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("chat: fetch chain message %s: %w", cur, err)
		}
		visited[msg.ID] = true

		entry, err := r.chainEntry(ctx, msg)
		if err != nil {
			return nil, err
		}
		chain = append([]ChainEntry{entry}, chain...)

		if msg.Reference == nil || msg.Reference.MessageID == "" {
			break
		}
		next := msg.Reference.MessageID
		if visited[next] {
			break
		}
		cur = next
	}
	return chain, nil
}

func (r *Resolver) chainEntry(ctx context.Context, msg *discord.Message) (ChainEntry, error) {
	entry := ChainEntry{ID: msg.ID, Type: msg.Type}

	if strings.HasPrefix(msg.Content, r.botPrefix) {
		entry.Username = r.botName
		entry.Content = strings.TrimPrefix(msg.Content, r.botPrefix)
		entry.IsBot = true
		return entry, nil
	}
	if name, text, ok := r.splitPrefixed(*msg); ok {
		entry.Username = name
		entry.Content = text
		return entry, nil
	}

	id, err := r.identities.Resolve(ctx, msg.Author.ID)
	if err != nil {
		entry.Username = msg.Author.Username
	} else {
		entry.Username = id.DisplayName
	}
	entry.Content = msg.Content
	return entry, nil
}

// splitPrefixed parses the literal "name: text" content prefix used
// for synthetic lines posted through the site bridge. Only
// bot-authored wire messages carry it; human-typed messages resolve
// through the identity lookup instead.
func (r *Resolver) splitPrefixed(m discord.Message) (name, text string, ok bool) {
	if !m.Author.Bot {
		return "", "", false
	}
	idx := strings.Index(m.Content, ": ")
	if idx <= 0 {
		return "", "", false
	}
	return m.Content[:idx], m.Content[idx+2:], true
}

// sortByID orders a sibling list by ascending id. Ids are
// platform-assigned snowflakes: numeric strings ordered by length
// first, then lexicographically.
func sortByID(msgs []discord.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return idLess(msgs[i].ID, msgs[j].ID)
	})
}

func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// colorPalette matches the site chat's author colors.
var colorPalette = []string{
	"#e06c75", "#e5c07b", "#98c379", "#56b6c2",
	"#61afef", "#c678dd", "#d19a66", "#abb2bf",
}

// nameColor derives a stable display color from an author name; the
// wire carries no color of its own.
func nameColor(name string) string {
	var h uint32
	for _, r := range name {
		h = h*31 + uint32(r)
	}
	return colorPalette[h%uint32(len(colorPalette))]
}
