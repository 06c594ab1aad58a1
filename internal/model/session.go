package model

import (
	"context"
	"strings"
	"sync"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const titlePrompt = "Write a short title, at most six words, for a conversation that begins with the following message. Reply with the title only, no quotes.\n\n"

// Session is a stateful chat. Every Send carries the standing system
// instruction plus the full exchange so far, mirroring how a chat session
// with tool feedback accumulates context. Failed sends leave the history
// untouched so the same message can be retried.
type Session struct {
	client *Client

	mu          sync.Mutex
	instruction string
	messages    []Message
}

func NewSession(client *Client) *Session {
	return &Session{client: client, messages: []Message{}}
}

// SetSystemInstruction installs the standing instruction and clears the
// exchange history.
func (s *Session) SetSystemInstruction(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruction = strings.TrimSpace(text)
	s.messages = s.messages[:0]
}

// Replay replaces the exchange history, keeping the current instruction.
// Used when the active conversation changes.
func (s *Session) Replay(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages[:0], history...)
}

func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Send submits one user-side message (a user prompt or tool feedback) and
// returns the assistant's raw reply.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	outgoing := make([]Message, 0, len(s.messages)+2)
	if s.instruction != "" {
		outgoing = append(outgoing, Message{Role: RoleSystem, Content: s.instruction})
	}
	outgoing = append(outgoing, s.messages...)
	outgoing = append(outgoing, Message{Role: RoleUser, Content: text})
	s.mu.Unlock()

	reply, err := s.client.Complete(ctx, outgoing)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.messages = append(s.messages,
		Message{Role: RoleUser, Content: text},
		Message{Role: RoleAssistant, Content: reply},
	)
	s.mu.Unlock()
	return reply, nil
}

// GenerateTitle asks the model for a conversation title in a one-shot
// request that does not touch the session history.
func (s *Session) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	reply, err := s.client.Complete(ctx, []Message{
		{Role: RoleUser, Content: titlePrompt + firstMessage},
	})
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(reply), `"`)
	if title == "" {
		return "", &ModelError{Code: ErrorCodeModelInvalidReply, Message: "model returned an empty title"}
	}
	return title, nil
}
