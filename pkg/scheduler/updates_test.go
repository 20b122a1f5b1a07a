package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/session"
)

func progressUpdate(actionID, message string, percent float64) session.Update {
	return session.Update{
		SessionID: "session-1",
		ActionID:  actionID,
		Action: api.UpdatedSessionAction{
			ProgressMessage: message,
			ProgressPercent: &percent,
		},
	}
}

func terminalUpdate(actionID string, status api.CompletedStatus) session.Update {
	now := time.Now().UTC()
	return session.Update{
		SessionID: "session-1",
		ActionID:  actionID,
		Action: api.UpdatedSessionAction{
			CompletedStatus: status,
			StartedAt:       &now,
			EndedAt:         &now,
			UpdatedAt:       &now,
		},
		Terminal: true,
	}
}

func TestBoard_TerminalIsNeverOverwritten(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{terminalUpdate("action-1", api.CompletedStatusCanceled)})
	b.record([]session.Update{progressUpdate("action-1", "late report", 99)})

	snap := b.snapshot()
	require.Contains(t, snap.actions, "action-1")
	assert.Equal(t, api.CompletedStatusCanceled, snap.actions["action-1"].CompletedStatus)
}

func TestBoard_TerminalHeldUntilDelivered(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{terminalUpdate("action-1", api.CompletedStatusFailed)})

	// The first call fails: its snapshot is never committed.
	lost := b.snapshot()
	require.Contains(t, lost.actions, "action-1")
	assert.False(t, b.empty())

	// The retry picks the terminal up again.
	snap := b.snapshot()
	require.Contains(t, snap.actions, "action-1")
	b.commit(snap)
	assert.True(t, b.empty())
}

func TestBoard_ProgressReplacesProgress(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{progressUpdate("action-1", "frame 1", 10)})
	b.record([]session.Update{progressUpdate("action-1", "frame 2", 20)})

	snap := b.snapshot()
	require.Len(t, snap.actions, 1)
	assert.Equal(t, "frame 2", snap.actions["action-1"].ProgressMessage)
}

func TestBoard_UnchangedProgressNotResent(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{progressUpdate("action-1", "rendering", 50)})
	snap := b.snapshot()
	require.Len(t, snap.actions, 1)
	b.commit(snap)

	b.record([]session.Update{progressUpdate("action-1", "rendering", 50)})
	assert.Empty(t, b.snapshot().actions, "identical progress should be coalesced away")
	assert.True(t, b.empty())

	b.record([]session.Update{progressUpdate("action-1", "rendering", 51)})
	next := b.snapshot()
	require.Contains(t, next.actions, "action-1")
	assert.Equal(t, 51.0, *next.actions["action-1"].ProgressPercent)
}

func TestBoard_CommitKeepsEntriesRewrittenInFlight(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{progressUpdate("action-1", "frame 1", 10)})
	snap := b.snapshot()

	// A newer report lands while the call is in flight.
	b.record([]session.Update{progressUpdate("action-1", "frame 2", 20)})
	b.commit(snap)

	require.False(t, b.empty())
	next := b.snapshot()
	assert.Equal(t, "frame 2", next.actions["action-1"].ProgressMessage)
}

func TestBoard_BatchIsAtomic(t *testing.T) {
	b := newBoard()
	b.record([]session.Update{
		terminalUpdate("action-1", api.CompletedStatusFailed),
		terminalUpdate("action-2", api.CompletedStatusNeverAttempted),
	})

	snap := b.snapshot()
	assert.Len(t, snap.actions, 2)
}

func TestBoard_ClipsLongMessages(t *testing.T) {
	b := newBoard()
	long := strings.Repeat("x", maxProgressMessage+500)
	b.record([]session.Update{progressUpdate("action-1", long, 10)})

	snap := b.snapshot()
	require.Contains(t, snap.actions, "action-1")
	assert.Len(t, snap.actions["action-1"].ProgressMessage, maxProgressMessage)
}
