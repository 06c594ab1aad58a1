// Package orchestrator drives one user turn end to end: send the prompt to
// the model, parse the reply, execute requested tools (or suspend on a
// confirmation gate), feed results back, and repeat until the model stops
// asking for tools. The transcript it assembles is the record of that loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"bridgeagent/internal/bridge"
	"bridgeagent/internal/domain"
	"bridgeagent/internal/model"
	"bridgeagent/internal/parser"
	"bridgeagent/internal/transcript"
)

// Error kinds recorded on error segments.
const (
	ErrorKindModelUnavailable     = "model_unavailable"
	ErrorKindToolTransportFailure = "tool_transport_failure"
	ErrorKindToolBridgeRejected   = "tool_bridge_rejected"
	ErrorKindDepthExceeded        = "tool_call_depth_exceeded"
)

// DefaultMaxToolHops caps tool hops within one turn when no explicit cap is
// configured.
const DefaultMaxToolHops = 25

const defaultTitle = "New Conversation"

var (
	ErrBusy             = errors.New("a turn is already in progress")
	ErrNoConversation   = errors.New("no active conversation")
	ErrTurnNotSuspended = errors.New("turn is not awaiting confirmation")
)

type Dependencies struct {
	Model    ModelClient
	Tools    ToolInvoker
	Catalog  CatalogSource
	Store    ConversationStore
	Notifier Notifier
	Logger   *slog.Logger
}

type Config struct {
	MaxToolHops int
}

type Service struct {
	deps    Dependencies
	maxHops int

	mu          sync.Mutex
	busy        bool
	current     *domain.Conversation
	catalog     domain.ToolCatalog
	instruction string
}

func NewService(deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Model == nil:
		return nil, errors.New("missing model client dependency")
	case deps.Tools == nil:
		return nil, errors.New("missing tool invoker dependency")
	case deps.Catalog == nil:
		return nil, errors.New("missing catalog source dependency")
	case deps.Store == nil:
		return nil, errors.New("missing conversation store dependency")
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	maxHops := cfg.MaxToolHops
	if maxHops <= 0 {
		maxHops = DefaultMaxToolHops
	}
	return &Service{deps: deps, maxHops: maxHops}, nil
}

// RefreshCatalog rebuilds the tool catalog and the model's system
// instruction wholesale, so the two can never drift apart.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	catalog, err := s.deps.Catalog.FetchCatalog(ctx)
	if err != nil {
		return err
	}
	instruction := bridge.SystemInstruction(catalog)

	s.mu.Lock()
	s.catalog = catalog
	s.instruction = instruction
	s.mu.Unlock()

	s.deps.Model.SetSystemInstruction(instruction)
	s.deps.Logger.Info("tool catalog refreshed", "servers", len(catalog.Servers))
	return nil
}

func (s *Service) Catalog() domain.ToolCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// Snapshot returns a deep copy of the active conversation.
func (s *Service) Snapshot() (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Conversation{}, ErrNoConversation
	}
	return cloneConversation(*s.current), nil
}

// Submit runs the orchestration loop for one user message. It returns once
// the turn reaches a resting state: done, failed, or suspended on a
// confirmation gate. A second submit while a loop is active is refused.
func (s *Service) Submit(ctx context.Context, userText string) (domain.Conversation, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return domain.Conversation{}, errors.New("message text is empty")
	}
	if err := s.acquire(); err != nil {
		return domain.Conversation{}, err
	}
	defer s.release()

	conv, err := s.ensureConversation()
	if err != nil {
		return domain.Conversation{}, err
	}
	isFirstTurn := len(conv.Turns) == 0

	s.mu.Lock()
	conv.Turns = append(conv.Turns, transcript.NewUserTurn(userText))
	assistant := transcript.NewAssistantTurn()
	conv.Turns = append(conv.Turns, assistant)
	turnIdx := len(conv.Turns) - 1
	s.mu.Unlock()
	s.persist(conv)

	if isFirstTurn {
		s.generateTitle(ctx, conv, userText)
	}

	s.runLoop(ctx, conv, turnIdx, userText)
	return s.Snapshot()
}

// ResolveConfirmation settles a suspended turn's confirmation gate and
// resumes the loop on the same turn. Approval executes the gated call;
// rejection records the cancellation and the model is told either way.
func (s *Service) ResolveConfirmation(ctx context.Context, turnID string, approve bool) (domain.Conversation, error) {
	if err := s.acquire(); err != nil {
		return domain.Conversation{}, err
	}
	defer s.release()

	s.mu.Lock()
	conv := s.current
	if conv == nil {
		s.mu.Unlock()
		return domain.Conversation{}, ErrNoConversation
	}
	turn, err := transcript.FindTurn(conv, turnID)
	if err != nil {
		s.mu.Unlock()
		return domain.Conversation{}, err
	}
	if turn.State != domain.TurnStateAwaitingConfirmation || turn.Pending == nil {
		s.mu.Unlock()
		return domain.Conversation{}, ErrTurnNotSuspended
	}
	status := domain.ConfirmationStatusConfirmed
	if !approve {
		status = domain.ConfirmationStatusRejected
	}
	pending, err := transcript.ResolveConfirmation(turn, status)
	s.mu.Unlock()
	if err != nil {
		return domain.Conversation{}, err
	}
	turnIdx := turnIndex(conv, turnID)

	result, confirmErr := s.deps.Tools.Confirm(ctx, pending.ConfirmationID, approve)
	if confirmErr != nil {
		s.failTurn(conv, turnIdx, errorKindForToolError(confirmErr), confirmErr.Error())
		return s.Snapshot()
	}

	// The user's decision, not the result payload, decides whether the
	// operation was cancelled; an approved tool may legitimately return a
	// body that looks like a rejection record.
	cancelled := !approve
	s.mu.Lock()
	turn = &conv.Turns[turnIdx]
	transcript.ClearConfirmation(turn)
	op := domain.ToolOperation{
		ServerID:  pending.ServerID,
		ToolName:  pending.ToolName,
		Result:    result,
		Cancelled: cancelled,
	}
	transcript.AppendTool(turn, op)
	segment := turn.Segments[len(turn.Segments)-1]
	s.mu.Unlock()
	s.deps.Notifier.SegmentAppended(conv.ID, turnID, segment)
	s.persist(conv)

	feedback := successFeedback(pending.ToolName, result)
	if cancelled {
		feedback = cancelledFeedback(result)
	}
	s.runLoop(ctx, conv, turnIdx, feedback)
	return s.Snapshot()
}

// NewConversation creates and activates a fresh conversation with a clean
// model session.
func (s *Service) NewConversation() (domain.Conversation, error) {
	if err := s.acquire(); err != nil {
		return domain.Conversation{}, err
	}
	defer s.release()

	conv, err := s.deps.Store.Create()
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := s.deps.Store.SetCurrent(conv.ID, false); err != nil {
		s.deps.Logger.Warn("failed to persist current conversation pointer", "error", err)
	}

	s.mu.Lock()
	s.current = &conv
	instruction := s.instruction
	s.mu.Unlock()

	s.deps.Model.SetSystemInstruction(instruction)
	return cloneConversation(conv), nil
}

// SelectConversation activates a stored conversation and replays its
// transcript into the model session so the model regains its context.
func (s *Service) SelectConversation(conversationID string) (domain.Conversation, error) {
	if err := s.acquire(); err != nil {
		return domain.Conversation{}, err
	}
	defer s.release()

	if err := s.deps.Store.SetCurrent(conversationID, false); err != nil {
		return domain.Conversation{}, err
	}
	conv, err := s.deps.Store.GetCurrent()
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv == nil {
		return domain.Conversation{}, ErrNoConversation
	}

	s.mu.Lock()
	s.current = conv
	instruction := s.instruction
	s.mu.Unlock()

	s.deps.Model.SetSystemInstruction(instruction)
	s.deps.Model.Replay(historyFromTurns(conv.Turns))
	return cloneConversation(*conv), nil
}

func (s *Service) ListConversations() ([]domain.Conversation, error) {
	return s.deps.Store.ListAll()
}

func (s *Service) DeleteConversation(conversationID string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if err := s.deps.Store.Delete(conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.current != nil && s.current.ID == conversationID {
		s.current = nil
	}
	s.mu.Unlock()
	return nil
}

// Flush writes the active conversation to the store without touching its
// recency timestamp. With no active conversation it is a no-op.
func (s *Service) Flush() error {
	s.mu.Lock()
	conv := s.current
	if conv == nil {
		s.mu.Unlock()
		return nil
	}
	id := conv.ID
	turns := make([]domain.Turn, len(conv.Turns))
	copy(turns, conv.Turns)
	s.mu.Unlock()
	return s.deps.Store.Save(id, turns, false)
}

// runLoop is the state machine for one assistant turn. input is the next
// model message: the user's text on entry, synthesized tool feedback on
// every later hop. The loop exits on a prose-only reply, a confirmation
// suspension, a failure, or the hop cap.
func (s *Service) runLoop(ctx context.Context, conv *domain.Conversation, turnIdx int, input string) {
	turnID := conv.Turns[turnIdx].ID
	for {
		s.setTurnState(conv, turnIdx, domain.TurnStateAwaitingModel)

		raw, err := s.deps.Model.Send(ctx, input)
		if err != nil {
			s.failTurn(conv, turnIdx, ErrorKindModelUnavailable, err.Error())
			return
		}
		reply := parser.Parse(raw)

		if reply.Prose != "" {
			s.mu.Lock()
			transcript.AppendProse(&conv.Turns[turnIdx], reply.Prose)
			segment := lastSegment(conv.Turns[turnIdx])
			s.mu.Unlock()
			s.deps.Notifier.SegmentAppended(conv.ID, turnID, segment)
		}

		if reply.Request == nil {
			s.setTurnState(conv, turnIdx, domain.TurnStateDone)
			s.persist(conv)
			return
		}

		s.mu.Lock()
		hops := transcript.ToolOperationCount(conv.Turns[turnIdx])
		s.mu.Unlock()
		if hops >= s.maxHops {
			s.failTurn(conv, turnIdx, ErrorKindDepthExceeded,
				fmt.Sprintf("tool-call depth exceeded after %d hops", hops))
			return
		}

		s.setTurnState(conv, turnIdx, domain.TurnStateAwaitingTool)
		outcome, err := s.deps.Tools.Execute(ctx, reply.Request.ServerID, reply.Request.ToolName, reply.Request.Parameters)
		if err != nil {
			s.failTurn(conv, turnIdx, errorKindForToolError(err), err.Error())
			return
		}

		if outcome.Confirmation != nil {
			s.mu.Lock()
			err := transcript.OpenConfirmation(&conv.Turns[turnIdx], *outcome.Confirmation)
			s.mu.Unlock()
			if err != nil {
				s.failTurn(conv, turnIdx, ErrorKindToolBridgeRejected, err.Error())
				return
			}
			s.deps.Notifier.TurnStateChanged(conv.ID, turnID, domain.TurnStateAwaitingConfirmation)
			s.persist(conv)
			s.deps.Logger.Info("turn suspended on confirmation",
				"turn_id", turnID,
				"confirmation_id", outcome.Confirmation.ConfirmationID,
				"risk_level", outcome.Confirmation.RiskLevel)
			return
		}

		s.mu.Lock()
		transcript.AppendTool(&conv.Turns[turnIdx], domain.ToolOperation{
			ServerID:   reply.Request.ServerID,
			ToolName:   reply.Request.ToolName,
			Parameters: reply.Request.Parameters,
			Result:     outcome.Result,
		})
		segment := lastSegment(conv.Turns[turnIdx])
		s.mu.Unlock()
		s.deps.Notifier.SegmentAppended(conv.ID, turnID, segment)
		s.persist(conv)

		input = successFeedback(reply.Request.ToolName, outcome.Result)
	}
}

// failTurn records exactly one descriptive error segment and moves the turn
// to its terminal failed state. The conversation stays usable afterward.
func (s *Service) failTurn(conv *domain.Conversation, turnIdx int, kind, message string) {
	turnID := conv.Turns[turnIdx].ID
	s.mu.Lock()
	transcript.AppendError(&conv.Turns[turnIdx], kind, message)
	segment := lastSegment(conv.Turns[turnIdx])
	conv.Turns[turnIdx].State = domain.TurnStateFailed
	s.mu.Unlock()
	s.deps.Notifier.SegmentAppended(conv.ID, turnID, segment)
	s.deps.Notifier.TurnStateChanged(conv.ID, turnID, domain.TurnStateFailed)
	s.persist(conv)
	s.deps.Logger.Warn("turn failed", "turn_id", turnID, "kind", kind, "error", message)
}

func (s *Service) setTurnState(conv *domain.Conversation, turnIdx int, state string) {
	s.mu.Lock()
	conv.Turns[turnIdx].State = state
	turnID := conv.Turns[turnIdx].ID
	s.mu.Unlock()
	s.deps.Notifier.TurnStateChanged(conv.ID, turnID, state)
}

// generateTitle is a best-effort side task; a failure never aborts the turn.
func (s *Service) generateTitle(ctx context.Context, conv *domain.Conversation, seed string) {
	if conv.Title != "" && conv.Title != defaultTitle {
		return
	}
	title, err := s.deps.Model.GenerateTitle(ctx, seed)
	if err != nil {
		s.deps.Logger.Warn("title generation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	s.mu.Lock()
	conv.Title = title
	s.mu.Unlock()
	if err := s.deps.Store.UpdateTitle(conv.ID, title); err != nil {
		s.deps.Logger.Warn("failed to persist conversation title", "conversation_id", conv.ID, "error", err)
	}
}

func (s *Service) ensureConversation() (*domain.Conversation, error) {
	s.mu.Lock()
	if s.current != nil {
		conv := s.current
		s.mu.Unlock()
		return conv, nil
	}
	s.mu.Unlock()

	conv, err := s.deps.Store.GetCurrent()
	if err != nil {
		return nil, err
	}
	if conv == nil {
		created, err := s.deps.Store.Create()
		if err != nil {
			return nil, err
		}
		if err := s.deps.Store.SetCurrent(created.ID, false); err != nil {
			s.deps.Logger.Warn("failed to persist current conversation pointer", "error", err)
		}
		conv = &created
	}

	s.mu.Lock()
	s.current = conv
	s.mu.Unlock()
	return conv, nil
}

// persist is best effort: a store failure is logged and the in-memory
// conversation continues.
func (s *Service) persist(conv *domain.Conversation) {
	s.mu.Lock()
	id := conv.ID
	turns := make([]domain.Turn, len(conv.Turns))
	copy(turns, conv.Turns)
	s.mu.Unlock()
	if err := s.deps.Store.Save(id, turns, true); err != nil {
		s.deps.Logger.Warn("failed to persist conversation", "conversation_id", id, "error", err)
	}
}

func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func successFeedback(toolName string, result domain.Value) string {
	return fmt.Sprintf("The tool %s was executed successfully. Result: %s", toolName, result.JSONString())
}

func cancelledFeedback(result domain.Value) string {
	reason := "No reason provided"
	if msg, ok := result.Get("message"); ok && msg.Kind() == domain.KindString && msg.StringValue() != "" {
		reason = msg.StringValue()
	}
	return fmt.Sprintf("The operation was cancelled by the user: %s", reason)
}

func errorKindForToolError(err error) string {
	var bridgeErr *bridge.BridgeError
	if errors.As(err, &bridgeErr) && bridgeErr.Code == bridge.ErrorCodeBridgeRejected {
		return ErrorKindToolBridgeRejected
	}
	return ErrorKindToolTransportFailure
}

func historyFromTurns(turns []domain.Turn) []model.Message {
	out := make([]model.Message, 0, len(turns))
	for _, turn := range turns {
		text := transcript.ProseText(turn)
		if text == "" {
			continue
		}
		role := model.RoleUser
		if turn.Role == domain.RoleAssistant {
			role = model.RoleAssistant
		}
		out = append(out, model.Message{Role: role, Content: text})
	}
	return out
}

func turnIndex(conv *domain.Conversation, turnID string) int {
	for i := range conv.Turns {
		if conv.Turns[i].ID == turnID {
			return i
		}
	}
	return -1
}

func lastSegment(turn domain.Turn) domain.Segment {
	return turn.Segments[len(turn.Segments)-1]
}

func cloneConversation(conv domain.Conversation) domain.Conversation {
	out := conv
	out.Turns = make([]domain.Turn, len(conv.Turns))
	for i, turn := range conv.Turns {
		cloned := turn
		cloned.Segments = make([]domain.Segment, len(turn.Segments))
		copy(cloned.Segments, turn.Segments)
		if turn.Pending != nil {
			pending := *turn.Pending
			cloned.Pending = &pending
		}
		out.Turns[i] = cloned
	}
	return out
}
