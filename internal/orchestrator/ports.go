package orchestrator

import (
	"context"

	"bridgeagent/internal/bridge"
	"bridgeagent/internal/domain"
	"bridgeagent/internal/model"
)

// ModelClient is the stateful chat session the loop drives. Prior exchanges
// are implicit session context; SetSystemInstruction clears that context.
type ModelClient interface {
	SetSystemInstruction(text string)
	Replay(history []model.Message)
	Send(ctx context.Context, text string) (string, error)
	GenerateTitle(ctx context.Context, seed string) (string, error)
}

// ToolInvoker runs tool calls against the bridge. Every call may have a
// real-world effect and runs at most once per explicit request.
type ToolInvoker interface {
	Execute(ctx context.Context, serverID, toolName string, parameters domain.Value) (bridge.Outcome, error)
	Confirm(ctx context.Context, confirmationID string, approve bool) (domain.Value, error)
}

// CatalogSource supplies the tool catalog the system instruction is built
// from.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) (domain.ToolCatalog, error)
}

// ConversationStore persists conversations and the current-conversation
// pointer.
type ConversationStore interface {
	GetCurrent() (*domain.Conversation, error)
	Create() (domain.Conversation, error)
	Save(conversationID string, turns []domain.Turn, updateTimestamp bool) error
	UpdateTitle(conversationID, title string) error
	SetCurrent(conversationID string, updateTimestamp bool) error
	ListAll() ([]domain.Conversation, error)
	Delete(conversationID string) error
}

// Notifier receives a callback after every transcript mutation so the
// presentation layer can re-render without polling.
type Notifier interface {
	TurnStateChanged(conversationID, turnID, state string)
	SegmentAppended(conversationID, turnID string, segment domain.Segment)
}

type NopNotifier struct{}

func (NopNotifier) TurnStateChanged(string, string, string)        {}
func (NopNotifier) SegmentAppended(string, string, domain.Segment) {}
