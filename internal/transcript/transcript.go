// Package transcript builds and mutates turn transcripts. A turn's segment
// list is append-only: segments are added in the order things happened and
// never reordered or rewritten, so the transcript stays an honest record of
// the interleaving of prose, tool executions, and failures.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bridgeagent/internal/domain"
)

var (
	ErrConfirmationOpen     = errors.New("turn already has an open confirmation")
	ErrNoConfirmation       = errors.New("turn has no pending confirmation")
	ErrConfirmationSettled  = errors.New("confirmation is already settled")
	ErrTurnNotFound         = errors.New("turn not found")
	ErrTurnNotAwaitingInput = errors.New("turn is not awaiting confirmation")
)

// NewUserTurn returns a completed user turn holding a single prose segment.
func NewUserTurn(text string) domain.Turn {
	return domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		State:     domain.TurnStateDone,
		Segments:  []domain.Segment{newProseSegment(text)},
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantTurn returns an empty assistant turn in the awaiting-model
// state. Segments accumulate as the orchestration loop progresses.
func NewAssistantTurn() domain.Turn {
	return domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		State:     domain.TurnStateAwaitingModel,
		Segments:  []domain.Segment{},
		CreatedAt: time.Now().UTC(),
	}
}

// AppendProse appends a prose segment. Empty text is skipped so turns never
// carry blank segments.
func AppendProse(turn *domain.Turn, text string) {
	if turn == nil || text == "" {
		return
	}
	turn.Segments = append(turn.Segments, newProseSegment(text))
}

// AppendTool appends a completed tool operation segment.
func AppendTool(turn *domain.Turn, op domain.ToolOperation) {
	if turn == nil {
		return
	}
	turn.Segments = append(turn.Segments, domain.Segment{
		ID:   uuid.NewString(),
		Kind: domain.SegmentKindTool,
		Tool: &op,
	})
}

// AppendError appends an error segment. The turn keeps every segment that
// preceded the failure.
func AppendError(turn *domain.Turn, errorKind, text string) {
	if turn == nil {
		return
	}
	turn.Segments = append(turn.Segments, domain.Segment{
		ID:        uuid.NewString(),
		Kind:      domain.SegmentKindError,
		ErrorKind: errorKind,
		Text:      text,
	})
}

// OpenConfirmation suspends the turn on a pending confirmation. A turn holds
// at most one open confirmation at a time.
func OpenConfirmation(turn *domain.Turn, pending domain.PendingConfirmation) error {
	if turn == nil {
		return ErrTurnNotFound
	}
	if turn.Pending != nil && turn.Pending.Status == domain.ConfirmationStatusPending {
		return ErrConfirmationOpen
	}
	pending.Status = domain.ConfirmationStatusPending
	turn.Pending = &pending
	turn.State = domain.TurnStateAwaitingConfirmation
	return nil
}

// ResolveConfirmation settles the turn's pending confirmation and returns it.
// Resolving an already-settled confirmation with the same status is a no-op;
// resolving it with a different status is an error, so a duplicate decision
// can never flip an earlier one.
func ResolveConfirmation(turn *domain.Turn, status string) (domain.PendingConfirmation, error) {
	if turn == nil {
		return domain.PendingConfirmation{}, ErrTurnNotFound
	}
	if turn.Pending == nil {
		return domain.PendingConfirmation{}, ErrNoConfirmation
	}
	if status != domain.ConfirmationStatusConfirmed && status != domain.ConfirmationStatusRejected {
		return domain.PendingConfirmation{}, fmt.Errorf("invalid confirmation status %q", status)
	}
	if turn.Pending.Status != domain.ConfirmationStatusPending {
		if turn.Pending.Status == status {
			return *turn.Pending, nil
		}
		return domain.PendingConfirmation{}, ErrConfirmationSettled
	}
	turn.Pending.Status = status
	return *turn.Pending, nil
}

// ClearConfirmation drops the settled confirmation once the loop has resumed.
func ClearConfirmation(turn *domain.Turn) {
	if turn == nil {
		return
	}
	turn.Pending = nil
}

// FindTurn returns a pointer into the conversation's turn slice.
func FindTurn(conv *domain.Conversation, turnID string) (*domain.Turn, error) {
	if conv == nil {
		return nil, ErrTurnNotFound
	}
	for i := range conv.Turns {
		if conv.Turns[i].ID == turnID {
			return &conv.Turns[i], nil
		}
	}
	return nil, ErrTurnNotFound
}

// ProseText flattens a turn's prose segments into the plain reply text. Tool
// and error segments are skipped.
func ProseText(turn domain.Turn) string {
	out := ""
	for _, seg := range turn.Segments {
		if seg.Kind != domain.SegmentKindProse || seg.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += seg.Text
	}
	return out
}

// ToolOperationCount reports how many tool segments a turn has accumulated.
// The orchestration loop uses it to re-derive hop usage when a suspended turn
// resumes.
func ToolOperationCount(turn domain.Turn) int {
	count := 0
	for _, seg := range turn.Segments {
		if seg.Kind == domain.SegmentKindTool {
			count++
		}
	}
	return count
}

func newProseSegment(text string) domain.Segment {
	return domain.Segment{
		ID:   uuid.NewString(),
		Kind: domain.SegmentKindProse,
		Text: text,
	}
}
