// Package chat reconstructs conversations from raw wire messages: the
// nested reply tree used for display and the linear ancestry chain
// used to rebuild a conversation for the agent.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/simonkberg/simon.dev-sub000/internal/discord"
)

// identityCacheSize bounds the resolver's memoization cache.
const identityCacheSize = 100

// Identity is the display identity of an author.
type Identity struct {
	Username    string
	DisplayName string
}

// IdentityResult pairs one lookup outcome with its error; a failed
// key never fails its siblings.
type IdentityResult struct {
	Identity Identity
	Err      error
}

// IdentityResolver turns author ids into display identities. Lookups
// for the same id are merged while in flight and memoized in a
// fixed-capacity LRU.
type IdentityResolver struct {
	fetch func(ctx context.Context, userID string) (*discord.GuildMember, error)

	cache *lru.Cache[string, Identity]
	group singleflight.Group
}

// NewIdentityResolver creates a resolver backed by the guild-member
// endpoint of the given REST client.
func NewIdentityResolver(rest *discord.RESTClient, guildID string) *IdentityResolver {
	r := &IdentityResolver{
		fetch: func(ctx context.Context, userID string) (*discord.GuildMember, error) {
			return rest.GuildMember(ctx, guildID, userID)
		},
	}
	r.cache, _ = lru.New[string, Identity](identityCacheSize)
	return r
}

// Resolve looks up one author id, serving from cache when possible.
func (r *IdentityResolver) Resolve(ctx context.Context, userID string) (Identity, error) {
	if id, ok := r.cache.Get(userID); ok {
		return id, nil
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		member, err := r.fetch(ctx, userID)
		if err != nil {
			return Identity{}, fmt.Errorf("chat: resolve identity %s: %w", userID, err)
		}
		id := memberIdentity(member)
		r.cache.Add(userID, id)
		return id, nil
	})
	if err != nil {
		return Identity{}, err
	}
	return v.(Identity), nil
}

// ResolveMany fans a batch of ids out into one lookup per missing key
// and fans back in with per-key failure isolation: each failed key
// carries its own error in the result map.
func (r *IdentityResolver) ResolveMany(ctx context.Context, userIDs []string) map[string]IdentityResult {
	results := make(map[string]IdentityResult, len(userIDs))
	var mu sync.Mutex

	seen := make(map[string]bool, len(userIDs))
	g, ctx := errgroup.WithContext(ctx)
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		userID := userID
		g.Go(func() error {
			id, err := r.Resolve(ctx, userID)
			if err != nil {
				slog.Warn("identity lookup failed", "user", userID, "error", err)
			}
			mu.Lock()
			results[userID] = IdentityResult{Identity: id, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// memberIdentity applies the display-name preference: nick, then
// global name, then username.
func memberIdentity(member *discord.GuildMember) Identity {
	name := member.Nick
	if name == "" {
		name = member.User.GlobalName
	}
	if name == "" {
		name = member.User.Username
	}
	return Identity{Username: member.User.Username, DisplayName: name}
}
