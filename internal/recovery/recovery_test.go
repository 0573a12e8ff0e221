package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/plan"
	"pilot/internal/store"
)

func TestSweepRecoversStrandedRuns(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runs := store.NewRunStore(db)
	state := store.NewChatStateStore(db)
	chats := store.NewChatStore(db)
	ctx := context.Background()

	p, err := chats.CreateProject(ctx, "P", "")
	require.NoError(t, err)
	c, err := chats.CreateChat(ctx, p.ID, "New chat")
	require.NoError(t, err)

	// A run that was mid-execution when the process died.
	running := plan.NewRun(c.ID, "", "stranded", []plan.Step{{Kind: plan.KindNote, Title: "n"}})
	require.NoError(t, runs.Create(ctx, running))
	ok, err := runs.TryTransitionFromDraft(ctx, running.RunID, plan.StatusQueued)
	require.NoError(t, err)
	require.True(t, ok)
	runningStatus := plan.StatusRunning
	require.NoError(t, runs.Update(ctx, running.RunID, store.RunUpdate{Status: &runningStatus}))
	require.NoError(t, state.Activate(ctx, c.ID, running.RunID))

	// A draft awaiting confirmation survives restarts untouched.
	draft := plan.NewRun(c.ID, "", "still a draft", []plan.Step{{Kind: plan.KindNote, Title: "n"}})
	require.NoError(t, runs.Create(ctx, draft))

	recovered, err := Sweep(ctx, runs, state, chats, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := runs.Get(ctx, running.RunID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Contains(t, got.Error, "restart")
	assert.Equal(t, "recovered_after_restart", got.LastEvent)

	gotDraft, err := runs.Get(ctx, draft.RunID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDraft, gotDraft.Status)

	st, err := state.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, st.ActiveRunID)
	require.NotNil(t, st.LastRunStatus)
	assert.Equal(t, "error", *st.LastRunStatus)

	msgs, err := chats.History(ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Content, "interrupted by a server restart")
}

func TestSweepNothingToDo(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	recovered, err := Sweep(context.Background(),
		store.NewRunStore(db), store.NewChatStateStore(db), store.NewChatStore(db), nil)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
