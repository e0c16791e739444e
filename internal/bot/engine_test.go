package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/simonkberg/simon.dev-sub000/internal/chat"
	"github.com/simonkberg/simon.dev-sub000/internal/discord"
	"github.com/simonkberg/simon.dev-sub000/internal/kv"
	"github.com/simonkberg/simon.dev-sub000/internal/provider"
)

type stubChains struct {
	calls atomic.Int64
	chain []chat.ChainEntry
	err   error
}

func (s *stubChains) MessageChain(context.Context, string) ([]chat.ChainEntry, error) {
	s.calls.Add(1)
	return s.chain, s.err
}

type stubAgent struct {
	calls atomic.Int64
	turns []provider.Message
	texts []string
	err   error
}

func (s *stubAgent) Converse(_ context.Context, turns []provider.Message, emit func(string) error) error {
	s.calls.Add(1)
	s.turns = turns
	for _, t := range s.texts {
		if err := emit(t); err != nil {
			return err
		}
	}
	return s.err
}

type stubPoster struct {
	contents []string
	refs     []*discord.MessageReference
	err      error
}

func (s *stubPoster) CreateMessage(_ context.Context, _ string, content string, ref *discord.MessageReference) (*discord.CreatedMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.contents = append(s.contents, content)
	s.refs = append(s.refs, ref)
	return &discord.CreatedMessage{ID: "posted"}, nil
}

// scriptedStore answers SetNX from a fixed sequence.
type scriptedStore struct {
	answers []bool
	calls   atomic.Int64
}

func (s *scriptedStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	n := s.calls.Add(1)
	if int(n) > len(s.answers) {
		return false, nil
	}
	return s.answers[n-1], nil
}

func mentionChain(content string) []chat.ChainEntry {
	return []chat.ChainEntry{
		{ID: "root", Username: "alice", Content: content},
	}
}

func trigger(id string) discord.Message {
	return discord.Message{
		ID:        id,
		ChannelID: "chan-1",
		Type:      discord.MessageTypeDefault,
		Author:    discord.User{ID: "u1", Username: "alice"},
		Content:   "hey simon bot",
	}
}

func newTestEngine(chains ChainResolver, agent Converser, poster Poster, store kv.Store) *Engine {
	return New(chains, agent, poster, store, "simon bot")
}

func TestMentionPattern(t *testing.T) {
	p := mentionPattern("simon bot")
	matches := []string{"simon-bot", "Simon-Bot", "SIMON-BOT", "simonbot", "simon bot", "hey simon bot, hello"}
	for _, s := range matches {
		if !p.MatchString(s) {
			t.Errorf("pattern did not match %q", s)
		}
	}
	rejects := []string{"simon-bots", "xsimon-bot", "simonbots", "something else"}
	for _, s := range rejects {
		if p.MatchString(s) {
			t.Errorf("pattern wrongly matched %q", s)
		}
	}
}

func TestHandleMessageDedup(t *testing.T) {
	chains := &stubChains{chain: mentionChain("hi simon bot")}
	agent := &stubAgent{}
	poster := &stubPoster{}
	store := &scriptedStore{answers: []bool{true, false}}
	e := newTestEngine(chains, agent, poster, store)

	e.HandleMessage(context.Background(), trigger("m1"))
	e.HandleMessage(context.Background(), trigger("m1"))

	if got := store.calls.Load(); got != 2 {
		t.Errorf("store saw %d SetNX calls, want 2", got)
	}
	if got := chains.calls.Load(); got != 1 {
		t.Errorf("chain resolved %d times, want 1 (loser must stop at dedup)", got)
	}
}

func TestHandleMessageIgnoresOwnPrefix(t *testing.T) {
	store := &scriptedStore{answers: []bool{true}}
	e := newTestEngine(&stubChains{}, &stubAgent{}, &stubPoster{}, store)

	msg := trigger("m1")
	msg.Content = "simon bot: I already said this"
	e.HandleMessage(context.Background(), msg)

	if got := store.calls.Load(); got != 0 {
		t.Errorf("self-authored message reached the dedup store (%d calls)", got)
	}
}

func TestHandleMessageIgnoresOtherTypes(t *testing.T) {
	store := &scriptedStore{answers: []bool{true}}
	e := newTestEngine(&stubChains{}, &stubAgent{}, &stubPoster{}, store)

	msg := trigger("m1")
	msg.Type = 7
	e.HandleMessage(context.Background(), msg)

	if got := store.calls.Load(); got != 0 {
		t.Errorf("non-chat message reached the dedup store (%d calls)", got)
	}
}

func TestHandleMessageRequiresMention(t *testing.T) {
	chains := &stubChains{chain: mentionChain("just chatting about the weather")}
	agent := &stubAgent{}
	e := newTestEngine(chains, agent, &stubPoster{}, &scriptedStore{answers: []bool{true}})

	e.HandleMessage(context.Background(), trigger("m1"))

	if got := agent.calls.Load(); got != 0 {
		t.Errorf("agent invoked %d times without a mention, want 0", got)
	}
}

func TestHandleMessagePostsRepliesInOrder(t *testing.T) {
	chains := &stubChains{chain: []chat.ChainEntry{
		{ID: "r", Username: "alice", Content: "simon bot, what's up?"},
		{ID: "s", Username: "simon bot", Content: "not much", IsBot: true},
		{ID: "t", Username: "alice", Content: "tell me more"},
	}}
	agent := &stubAgent{texts: []string{"first part", "second part"}}
	poster := &stubPoster{}
	e := newTestEngine(chains, agent, poster, &scriptedStore{answers: []bool{true}})

	e.HandleMessage(context.Background(), trigger("m1"))

	if len(poster.contents) != 2 || poster.contents[0] != "first part" || poster.contents[1] != "second part" {
		t.Fatalf("posted = %v, want fragments in yield order", poster.contents)
	}
	for i, ref := range poster.refs {
		if ref == nil || ref.MessageID != "m1" {
			t.Errorf("post %d not a reply to the trigger: %+v", i, ref)
		}
	}

	wantRoles := []string{"user", "assistant", "user"}
	if len(agent.turns) != len(wantRoles) {
		t.Fatalf("agent got %d turns, want %d", len(agent.turns), len(wantRoles))
	}
	for i, want := range wantRoles {
		if agent.turns[i].Role != want {
			t.Errorf("turn %d role = %q, want %q", i, agent.turns[i].Role, want)
		}
	}
}

func TestHandleMessageSwallowsFailures(t *testing.T) {
	chains := &stubChains{err: errors.New("chain fetch failed")}
	agent := &stubAgent{}
	e := newTestEngine(chains, agent, &stubPoster{}, &scriptedStore{answers: []bool{true, true}})

	// Must not panic and must not reach the agent.
	e.HandleMessage(context.Background(), trigger("m1"))
	if got := agent.calls.Load(); got != 0 {
		t.Errorf("agent invoked despite chain failure")
	}

	agent2 := &stubAgent{texts: []string{"answer"}, err: errors.New("post failed")}
	e2 := newTestEngine(&stubChains{chain: mentionChain("simon bot?")}, agent2, &stubPoster{err: errors.New("post failed")}, &scriptedStore{answers: []bool{true}})
	e2.HandleMessage(context.Background(), trigger("m2"))
}
