package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskline/internal/auth"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Sink   *recordingSink
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskline.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	eng := engine.New(r)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	sink := &recordingSink{}
	eng.Events = sink
	return testEnv{Engine: eng, Repo: r, Sink: sink, Ctx: ctx}
}

var alice = engine.APIActor("alice")

func ptr[T any](v T) *T { return &v }

func TestCreateAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "  Buy milk  ", Tags: []string{"home", " home", ""}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Title != "Buy milk" || task.Priority != domain.PriorityMedium || task.Recurrence != domain.RecurrenceNone || task.Completed || task.Version != 1 {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if len(task.Tags) != 1 || task.Tags[0] != "home" {
		t.Fatalf("tags not normalized: %v", task.Tags)
	}
	got, err := env.Engine.GetTask(env.Ctx, alice, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != task.Title || got.UserID != "alice" || !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, task)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: " ", Priority: "urgent", Recurrence: "hourly"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"title", "priority", "recurrence"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("missing field error for %s: %v", field, verr.Fields)
		}
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.Actor{}, engine.TaskInput{Title: "x"}); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("anonymous actor should be rejected, got %v", err)
	}
}

func TestCrossIdentityIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	bob := engine.APIActor("bob")
	if _, err := env.Engine.GetTask(env.Ctx, bob, task.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, bob, task.ID, engine.TaskPatch{Title: ptr("pwned")}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.Engine.SetCompleted(env.Ctx, bob, task.ID, true); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("complete: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, bob, task.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("delete: %v", err)
	}
	list, err := env.Engine.ListTasks(env.Ctx, bob, domain.TaskFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("bob list = %v, %v", list, err)
	}
	got, err := env.Engine.GetTask(env.Ctx, alice, task.ID)
	if err != nil || got.Title != "secret" || got.Version != 1 {
		t.Fatalf("alice task changed: %+v %v", got, err)
	}
}

func TestUpdateAndComplete(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "draft", Description: "keep me"})
	if err != nil {
		t.Fatal(err)
	}
	due := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	task, err = env.Engine.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{Title: ptr("final"), Priority: ptr(domain.PriorityHigh), DueDate: &due})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.Title != "final" || task.Description != "keep me" || task.Priority != domain.PriorityHigh || task.Version != 2 || task.DueDate == nil {
		t.Fatalf("unexpected update result %+v", task)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{ClearDueDate: true})
	if err != nil || task.DueDate != nil {
		t.Fatalf("clear due date: %+v %v", task, err)
	}

	task, err = env.Engine.SetCompleted(env.Ctx, alice, task.ID, true)
	if err != nil || !task.Completed || task.Version != 4 {
		t.Fatalf("complete: %+v %v", task, err)
	}
	again, err := env.Engine.SetCompleted(env.Ctx, alice, task.ID, true)
	if err != nil || again.Version != task.Version {
		t.Fatalf("idempotent complete should not write: %+v %v", again, err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{Title: ptr("")}); !engine.IsValidation(err) {
		t.Fatalf("empty title should fail validation, got %v", err)
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "gone soon"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, alice, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, alice, task.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, alice, task.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestAuditTrailRecordsSource(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "audited"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, engine.ToolActor("alice", "delete_task"), task.ID); err != nil {
		t.Fatal(err)
	}
	trail, err := env.Engine.AuditTrail(env.Ctx, alice, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(trail))
	}
	if trail[0].Type != domain.EventTaskDeleted || trail[0].Source != domain.SourceTool || trail[0].Tool != "delete_task" {
		t.Fatalf("unexpected delete event %+v", trail[0])
	}
	if trail[1].Type != domain.EventTaskCreated || trail[1].Source != domain.SourceAPI {
		t.Fatalf("unexpected create event %+v", trail[1])
	}
	if len(env.Sink.events) != 2 || env.Sink.events[0].ID == 0 {
		t.Fatalf("sink should see committed events with ids: %+v", env.Sink.events)
	}
}

func TestListFilterValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ListTasks(env.Ctx, alice, domain.TaskFilter{Priority: "urgent", Status: "done", Limit: -1})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 3 {
		t.Fatalf("expected three field errors, got %v", err)
	}
}

// conflictOnce makes the first UpdateTask call lose a race against another writer.
type conflictOnce struct {
	engine.Store
	fired bool
}

func (c *conflictOnce) UpdateTask(ctx context.Context, owner string, t domain.Task, expected int, evt domain.Event) (domain.Event, error) {
	if !c.fired {
		c.fired = true
		cur, err := c.Store.GetTask(ctx, owner, t.ID)
		if err != nil {
			return evt, err
		}
		rival := cur
		rival.Description = "rival write"
		rival.Version = cur.Version + 1
		if _, err := c.Store.UpdateTask(ctx, owner, rival, cur.Version, evt); err != nil {
			return evt, err
		}
	}
	return c.Store.UpdateTask(ctx, owner, t, expected, evt)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "contested"})
	if err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Store = &conflictOnce{Store: env.Repo}
	got, err := eng.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{Title: ptr("mine")})
	if err != nil {
		t.Fatalf("update after retry: %v", err)
	}
	if got.Title != "mine" || got.Description != "rival write" || got.Version != 3 {
		t.Fatalf("retry should merge onto the rival write: %+v", got)
	}
}

type alwaysConflict struct{ engine.Store }

func (alwaysConflict) UpdateTask(context.Context, string, domain.Task, int, domain.Event) (domain.Event, error) {
	return domain.Event{}, engine.ErrConflict
}

func TestUpdateConflictSurfaces(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, alice, engine.TaskInput{Title: "contested"})
	if err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Store = alwaysConflict{Store: env.Repo}
	if _, err := eng.UpdateTask(env.Ctx, alice, task.ID, engine.TaskPatch{Title: ptr("x")}); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConversationLedger(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.Engine.StartConversation(env.Ctx, alice, "Please add a task to buy milk tomorrow morning before work and also remind me")
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(conv.Title)); n > 80 {
		t.Fatalf("title too long: %d", n)
	}
	if _, err := env.Engine.AppendMessage(env.Ctx, alice, conv.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	bob := engine.APIActor("bob")
	if _, err := env.Engine.AppendMessage(env.Ctx, bob, conv.ID, domain.Message{Role: domain.RoleUser, Content: "hi"}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("bob append should be not found, got %v", err)
	}
	if _, err := env.Engine.History(env.Ctx, bob, conv.ID, 0); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("bob history should be not found, got %v", err)
	}
	hist, err := env.Engine.History(env.Ctx, alice, conv.ID, 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v %v", hist, err)
	}
	if _, err := env.Engine.AppendMessage(env.Ctx, alice, conv.ID, domain.Message{Role: "system"}); !engine.IsValidation(err) {
		t.Fatalf("unknown role should fail validation, got %v", err)
	}
}
