package pgrepo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/domain"
	"taskline/internal/pgrepo"
)

func openStore(t *testing.T) *pgrepo.Store {
	t.Helper()
	dsn := os.Getenv("TASKLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKLINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := pgrepo.Open(ctx, pgrepo.Config{DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	owner := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tk := domain.Task{
		ID: uuid.NewString(), UserID: owner, Title: "Write report", Description: "Q3 numbers",
		Priority: domain.PriorityHigh, Tags: []string{"work", "urgent"}, Recurrence: domain.RecurrenceNone,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.InsertTask(ctx, tk, domain.Event{TS: now, Type: domain.EventTaskCreated, UserID: owner, TaskID: tk.ID, Source: domain.SourceAPI})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, owner, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Title, got.Title)
	assert.Equal(t, []string{"work", "urgent"}, got.Tags)

	_, err = s.GetTask(ctx, "someone-else", tk.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	list, err := s.ListTasks(ctx, owner, domain.TaskFilter{Search: "REPORT", Tags: []string{"urgent"}, Status: domain.StatusPending})
	require.NoError(t, err)
	require.Len(t, list, 1)

	upd := got
	upd.Completed = true
	upd.Version = 2
	evt := domain.Event{TS: now, Type: domain.EventTaskCompleted, UserID: owner, TaskID: tk.ID, Source: domain.SourceTool, Tool: "mark_complete"}
	_, err = s.UpdateTask(ctx, owner, upd, 1, evt)
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, owner, upd, 1, evt)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = s.DeleteTask(ctx, owner, tk.ID, domain.Event{TS: now, Type: domain.EventTaskDeleted, UserID: owner, TaskID: tk.ID, Source: domain.SourceAPI})
	require.NoError(t, err)
	_, err = s.GetTask(ctx, owner, tk.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	evts, err := s.ListEvents(ctx, owner, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, domain.EventTaskDeleted, evts[0].Type)
	assert.Equal(t, "mark_complete", evts[1].Tool)
}

func TestConversationOwnership(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	owner := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	conv := domain.Conversation{ID: uuid.NewString(), UserID: owner, Title: "hi", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.AppendMessage(ctx, domain.Message{ID: uuid.NewString(), ConversationID: conv.ID, UserID: owner, Role: domain.RoleUser, Content: "hello", CreatedAt: now}))
	err := s.AppendMessage(ctx, domain.Message{ID: uuid.NewString(), ConversationID: conv.ID, UserID: "intruder", Role: domain.RoleUser, Content: "x", CreatedAt: now})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	msgs, err := s.ListMessages(ctx, owner, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}
