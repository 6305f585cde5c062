package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/auth"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/metrics"
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

const (
	MaxTitleLen       = 255
	MaxDescriptionLen = 5000
	MaxTags           = 32
	MaxTagLen         = 64
	MaxListLimit      = 500
)

// Store is the persistence boundary. Every method filters by owner.
type Store interface {
	InsertTask(ctx context.Context, t domain.Task, evt domain.Event) (domain.Event, error)
	GetTask(ctx context.Context, owner, id string) (domain.Task, error)
	ListTasks(ctx context.Context, owner string, f domain.TaskFilter) ([]domain.Task, error)
	UpdateTask(ctx context.Context, owner string, t domain.Task, expectedVersion int, evt domain.Event) (domain.Event, error)
	DeleteTask(ctx context.Context, owner, id string, evt domain.Event) (domain.Event, error)

	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]domain.Conversation, error)
	AppendMessage(ctx context.Context, m domain.Message) error
	ListMessages(ctx context.Context, owner, conversationID string, limit int) ([]domain.Message, error)

	ListEvents(ctx context.Context, owner string, limit int, before int64) ([]domain.Event, error)

	Ping(ctx context.Context) error
	Close() error
}

type Engine struct {
	Store   Store
	Events  events.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

func New(store Store) Engine {
	return Engine{
		Store:  store,
		Events: events.Nop{},
		Logger: zap.NewNop(),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Actor is the verified identity behind a call plus its provenance.
type Actor struct {
	Identity auth.Identity
	Source   string
	Tool     string
}

// APIActor is an actor calling through the HTTP task routes.
func APIActor(id auth.Identity) Actor {
	return Actor{Identity: id, Source: domain.SourceAPI}
}

// ToolActor is an actor calling through a named tool.
func ToolActor(id auth.Identity, tool string) Actor {
	return Actor{Identity: id, Source: domain.SourceTool, Tool: tool}
}

func (a Actor) owner() (string, error) {
	if strings.TrimSpace(string(a.Identity)) == "" {
		return "", auth.ErrNoCredential
	}
	return string(a.Identity), nil
}

func (a Actor) source() string {
	if a.Source == "" {
		return domain.SourceAPI
	}
	return a.Source
}

// ValidationError carries per-field messages.
type ValidationError struct {
	Fields map[string]string
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationError) add(field, msg string) {
	if v.Fields == nil {
		v.Fields = map[string]string{}
	}
	if _, ok := v.Fields[field]; !ok {
		v.Fields[field] = msg
	}
}

func (v *ValidationError) orNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func validateTitle(v *ValidationError, title string) string {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		v.add("title", "must not be empty")
	case utf8.RuneCountInString(title) > MaxTitleLen:
		v.add("title", fmt.Sprintf("must be at most %d characters", MaxTitleLen))
	}
	return title
}

func validateDescription(v *ValidationError, desc string) string {
	if utf8.RuneCountInString(desc) > MaxDescriptionLen {
		v.add("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionLen))
	}
	return desc
}

func validateTags(v *ValidationError, tags []string) []string {
	tags = domain.NormalizeTags(tags)
	if len(tags) > MaxTags {
		v.add("tags", fmt.Sprintf("at most %d tags allowed", MaxTags))
	}
	for _, tag := range tags {
		if utf8.RuneCountInString(tag) > MaxTagLen {
			v.add("tags", fmt.Sprintf("tag %q exceeds %d characters", tag, MaxTagLen))
		}
	}
	return tags
}

func validatePriority(v *ValidationError, p domain.Priority) {
	if !p.Valid() {
		v.add("priority", fmt.Sprintf("must be one of low, medium, high; got %q", p))
	}
}

func validateRecurrence(v *ValidationError, r domain.Recurrence) {
	if !r.Valid() {
		v.add("recurrence", fmt.Sprintf("must be one of none, daily, weekly, monthly, yearly; got %q", r))
	}
}

func (e Engine) publish(ctx context.Context, evt domain.Event) {
	e.Metrics.IncTaskMutation(evt.Type, evt.Source)
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, evt); err != nil {
		e.logger().Warn("event publish failed", zap.String("type", evt.Type), zap.String("task_id", evt.TaskID), zap.Error(err))
	}
}

func (e Engine) event(actor Actor, evtType, taskID string, payload map[string]any) domain.Event {
	return domain.Event{
		TS:      e.now(),
		Type:    evtType,
		UserID:  string(actor.Identity),
		TaskID:  taskID,
		Source:  actor.source(),
		Tool:    actor.Tool,
		Payload: payload,
	}
}
