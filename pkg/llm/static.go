package llm

import (
	"context"
	"sync"
)

// StaticReply is one scripted response of a Static provider.
type StaticReply struct {
	Text string
	Err  error
}

// Static replays scripted replies in order, repeating the last one once the
// script is exhausted. It records every prompt it receives.
type Static struct {
	id      string
	mu      sync.Mutex
	replies []StaticReply
	prompts []Prompt
}

// Compile-time interface check.
var _ Provider = (*Static)(nil)

// NewStatic creates a scripted provider.
func NewStatic(id string, replies ...StaticReply) *Static {
	return &Static{id: id, replies: replies}
}

// NewOffline creates a provider that always fails with a transport error, so
// every caller takes its degraded path without touching the network.
func NewOffline() *Static {
	return NewStatic("offline", StaticReply{Err: &ProviderError{
		Provider: "offline",
		Kind:     KindTransport,
		Message:  "offline mode",
	}})
}

func (s *Static) ID() string {
	return s.id
}

func (s *Static) Complete(ctx context.Context, prompt Prompt) (string, error) {
	s.mu.Lock()
	idx := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if len(s.replies) == 0 {
		return "", &ProviderError{Provider: s.id, Kind: KindTransport, Message: "no scripted reply"}
	}

	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}

	reply := s.replies[idx]

	return reply.Text, reply.Err
}

// Calls returns how many times Complete was invoked.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.prompts)
}

// LastPrompt returns the most recent prompt, or the zero Prompt.
func (s *Static) LastPrompt() Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.prompts) == 0 {
		return Prompt{}
	}

	return s.prompts[len(s.prompts)-1]
}
