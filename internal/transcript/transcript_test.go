package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridgeagent/internal/domain"
)

func TestNewUserTurnHoldsOneProseSegment(t *testing.T) {
	turn := NewUserTurn("list my files")

	assert.Equal(t, domain.RoleUser, turn.Role)
	assert.Equal(t, domain.TurnStateDone, turn.State)
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, domain.SegmentKindProse, turn.Segments[0].Kind)
	assert.Equal(t, "list my files", turn.Segments[0].Text)
	assert.NotEmpty(t, turn.Segments[0].ID)
}

func TestAppendKeepsSegmentOrder(t *testing.T) {
	turn := NewAssistantTurn()

	AppendProse(&turn, "Checking the directory.")
	AppendTool(&turn, domain.ToolOperation{
		ServerID:   "filesystem",
		ToolName:   "list_dir",
		Parameters: domain.Map(domain.Field{Name: "path", Value: domain.String("/tmp")}),
		Result:     domain.Map(domain.Field{Name: "entries", Value: domain.List()}),
	})
	AppendProse(&turn, "The directory is empty.")
	AppendError(&turn, "tool_transport_failure", "bridge unreachable")

	require.Len(t, turn.Segments, 4)
	kinds := make([]string, 0, len(turn.Segments))
	for _, seg := range turn.Segments {
		kinds = append(kinds, seg.Kind)
	}
	assert.Equal(t, []string{
		domain.SegmentKindProse,
		domain.SegmentKindTool,
		domain.SegmentKindProse,
		domain.SegmentKindError,
	}, kinds)
	assert.Equal(t, "list_dir", turn.Segments[1].Tool.ToolName)
	assert.Equal(t, "tool_transport_failure", turn.Segments[3].ErrorKind)
}

func TestAppendProseSkipsEmptyText(t *testing.T) {
	turn := NewAssistantTurn()
	AppendProse(&turn, "")
	assert.Empty(t, turn.Segments)
}

func TestSegmentIDsAreUnique(t *testing.T) {
	turn := NewAssistantTurn()
	for i := 0; i < 20; i++ {
		AppendProse(&turn, "x")
	}

	seen := map[string]bool{}
	for _, seg := range turn.Segments {
		assert.False(t, seen[seg.ID])
		seen[seg.ID] = true
	}
}

func TestOpenConfirmationRejectsSecondOpen(t *testing.T) {
	turn := NewAssistantTurn()

	err := OpenConfirmation(&turn, domain.PendingConfirmation{
		ConfirmationID: "conf-1",
		ServerID:       "filesystem",
		ToolName:       "delete_file",
		RiskLevel:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStateAwaitingConfirmation, turn.State)
	assert.Equal(t, domain.ConfirmationStatusPending, turn.Pending.Status)

	err = OpenConfirmation(&turn, domain.PendingConfirmation{ConfirmationID: "conf-2"})
	assert.ErrorIs(t, err, ErrConfirmationOpen)
	assert.Equal(t, "conf-1", turn.Pending.ConfirmationID)
}

func TestResolveConfirmation(t *testing.T) {
	turn := NewAssistantTurn()
	require.NoError(t, OpenConfirmation(&turn, domain.PendingConfirmation{ConfirmationID: "conf-1"}))

	pending, err := ResolveConfirmation(&turn, domain.ConfirmationStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmationStatusConfirmed, pending.Status)

	// Same decision twice is idempotent.
	again, err := ResolveConfirmation(&turn, domain.ConfirmationStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, pending, again)

	// A conflicting decision cannot flip the first one.
	_, err = ResolveConfirmation(&turn, domain.ConfirmationStatusRejected)
	assert.ErrorIs(t, err, ErrConfirmationSettled)
}

func TestResolveConfirmationErrors(t *testing.T) {
	turn := NewAssistantTurn()

	_, err := ResolveConfirmation(&turn, domain.ConfirmationStatusConfirmed)
	assert.ErrorIs(t, err, ErrNoConfirmation)

	require.NoError(t, OpenConfirmation(&turn, domain.PendingConfirmation{ConfirmationID: "conf-1"}))
	_, err = ResolveConfirmation(&turn, "maybe")
	assert.Error(t, err)
}

func TestFindTurn(t *testing.T) {
	conv := domain.Conversation{Turns: []domain.Turn{NewUserTurn("hi"), NewAssistantTurn()}}

	found, err := FindTurn(&conv, conv.Turns[1].ID)
	require.NoError(t, err)
	assert.Same(t, &conv.Turns[1], found)

	_, err = FindTurn(&conv, "missing")
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

func TestProseTextJoinsProseSegmentsOnly(t *testing.T) {
	turn := NewAssistantTurn()
	AppendProse(&turn, "First.")
	AppendTool(&turn, domain.ToolOperation{ServerID: "s", ToolName: "t"})
	AppendProse(&turn, "Second.")

	assert.Equal(t, "First.\n\nSecond.", ProseText(turn))
}

func TestToolOperationCount(t *testing.T) {
	turn := NewAssistantTurn()
	assert.Equal(t, 0, ToolOperationCount(turn))

	AppendTool(&turn, domain.ToolOperation{ServerID: "s", ToolName: "a"})
	AppendProse(&turn, "x")
	AppendTool(&turn, domain.ToolOperation{ServerID: "s", ToolName: "b"})

	assert.Equal(t, 2, ToolOperationCount(turn))
}
