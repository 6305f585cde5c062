package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"taskline/internal/domain"
)

// TaskInput holds the fields accepted on creation. Zero values take defaults.
type TaskInput struct {
	Title       string
	Description string
	Priority    domain.Priority
	Tags        []string
	DueDate     *time.Time
	Recurrence  domain.Recurrence
	Completed   bool
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Title        *string
	Description  *string
	Priority     *domain.Priority
	Tags         *[]string
	DueDate      *time.Time
	ClearDueDate bool
	Recurrence   *domain.Recurrence
	Completed    *bool
}

func (p TaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Tags == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.Recurrence == nil && p.Completed == nil
}

func (e Engine) CreateTask(ctx context.Context, actor Actor, in TaskInput) (domain.Task, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Task{}, err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if in.Recurrence == "" {
		in.Recurrence = domain.RecurrenceNone
	}
	v := &ValidationError{}
	title := validateTitle(v, in.Title)
	desc := validateDescription(v, in.Description)
	tags := validateTags(v, in.Tags)
	validatePriority(v, in.Priority)
	validateRecurrence(v, in.Recurrence)
	if err := v.orNil(); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:          e.newID(),
		UserID:      owner,
		Title:       title,
		Description: desc,
		Priority:    in.Priority,
		Tags:        tags,
		Recurrence:  in.Recurrence,
		Completed:   in.Completed,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		d := in.DueDate.UTC()
		t.DueDate = &d
	}
	evt, err := e.Store.InsertTask(ctx, t, e.event(actor, domain.EventTaskCreated, t.ID, map[string]any{
		"title":    t.Title,
		"priority": string(t.Priority),
	}))
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	e.publish(ctx, evt)
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, actor Actor, id string) (domain.Task, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Task{}, err
	}
	if id == "" {
		return domain.Task{}, ErrNotFound
	}
	return e.Store.GetTask(ctx, owner, id)
}

func (e Engine) ListTasks(ctx context.Context, actor Actor, f domain.TaskFilter) ([]domain.Task, error) {
	owner, err := actor.owner()
	if err != nil {
		return nil, err
	}
	v := &ValidationError{}
	if f.Priority != "" {
		validatePriority(v, f.Priority)
	}
	if f.Status != "" && !f.Status.Valid() {
		v.add("status", fmt.Sprintf("must be completed or pending; got %q", f.Status))
	}
	if f.Limit < 0 || f.Limit > MaxListLimit {
		v.add("limit", fmt.Sprintf("must be between 0 and %d", MaxListLimit))
	}
	if f.Offset < 0 {
		v.add("offset", "must not be negative")
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	f.Tags = domain.NormalizeTags(f.Tags)
	return e.Store.ListTasks(ctx, owner, f)
}

const updateAttempts = 2

// UpdateTask applies a partial update. A concurrent write between read and
// write is retried once against the fresh row before reporting ErrConflict.
func (e Engine) UpdateTask(ctx context.Context, actor Actor, id string, patch TaskPatch) (domain.Task, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Task{}, err
	}
	v := &ValidationError{}
	if patch.Title != nil {
		t := validateTitle(v, *patch.Title)
		patch.Title = &t
	}
	if patch.Description != nil {
		validateDescription(v, *patch.Description)
	}
	if patch.Priority != nil {
		validatePriority(v, *patch.Priority)
	}
	if patch.Recurrence != nil {
		validateRecurrence(v, *patch.Recurrence)
	}
	if patch.Tags != nil {
		tags := validateTags(v, *patch.Tags)
		patch.Tags = &tags
	}
	if patch.DueDate != nil && patch.ClearDueDate {
		v.add("due_date", "cannot both set and clear")
	}
	if err := v.orNil(); err != nil {
		return domain.Task{}, err
	}

	for attempt := 1; ; attempt++ {
		cur, err := e.Store.GetTask(ctx, owner, id)
		if err != nil {
			return domain.Task{}, err
		}
		if patch.empty() {
			return cur, nil
		}
		next, changed := applyPatch(cur, patch)
		next.Version = cur.Version + 1
		next.UpdatedAt = e.now()
		evt, err := e.Store.UpdateTask(ctx, owner, next, cur.Version, e.event(actor, domain.EventTaskUpdated, id, map[string]any{
			"fields": changed,
		}))
		if errors.Is(err, ErrConflict) && attempt < updateAttempts {
			e.logger().Debug("retrying task update after version conflict", zap.String("task_id", id))
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}
		e.publish(ctx, evt)
		return next, nil
	}
}

func applyPatch(t domain.Task, p TaskPatch) (domain.Task, []string) {
	changed := []string{}
	if p.Title != nil {
		t.Title = *p.Title
		changed = append(changed, "title")
	}
	if p.Description != nil {
		t.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
		changed = append(changed, "priority")
	}
	if p.Tags != nil {
		t.Tags = slices.Clone(*p.Tags)
		changed = append(changed, "tags")
	}
	if p.DueDate != nil {
		d := p.DueDate.UTC()
		t.DueDate = &d
		changed = append(changed, "due_date")
	} else if p.ClearDueDate {
		t.DueDate = nil
		changed = append(changed, "due_date")
	}
	if p.Recurrence != nil {
		t.Recurrence = *p.Recurrence
		changed = append(changed, "recurrence")
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
		changed = append(changed, "completed")
	}
	return t, changed
}

// SetCompleted sets the completion flag. Setting the current value is a
// no-op that returns the stored task.
func (e Engine) SetCompleted(ctx context.Context, actor Actor, id string, completed bool) (domain.Task, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Task{}, err
	}
	for attempt := 1; ; attempt++ {
		cur, err := e.Store.GetTask(ctx, owner, id)
		if err != nil {
			return domain.Task{}, err
		}
		if cur.Completed == completed {
			return cur, nil
		}
		next := cur
		next.Completed = completed
		next.Version = cur.Version + 1
		next.UpdatedAt = e.now()
		evt, err := e.Store.UpdateTask(ctx, owner, next, cur.Version, e.event(actor, domain.EventTaskCompleted, id, map[string]any{
			"completed": completed,
		}))
		if errors.Is(err, ErrConflict) && attempt < updateAttempts {
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}
		e.publish(ctx, evt)
		return next, nil
	}
}

func (e Engine) DeleteTask(ctx context.Context, actor Actor, id string) error {
	owner, err := actor.owner()
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}
	cur, err := e.Store.GetTask(ctx, owner, id)
	if err != nil {
		return err
	}
	evt, err := e.Store.DeleteTask(ctx, owner, id, e.event(actor, domain.EventTaskDeleted, id, map[string]any{
		"title": cur.Title,
	}))
	if err != nil {
		return err
	}
	e.publish(ctx, evt)
	return nil
}

// AuditTrail returns the owner's task events, newest first.
func (e Engine) AuditTrail(ctx context.Context, actor Actor, limit int, before int64) ([]domain.Event, error) {
	owner, err := actor.owner()
	if err != nil {
		return nil, err
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, &ValidationError{Fields: map[string]string{"limit": fmt.Sprintf("must be between 0 and %d", MaxListLimit)}}
	}
	return e.Store.ListEvents(ctx, owner, limit, before)
}
