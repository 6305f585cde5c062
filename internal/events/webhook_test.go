package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"taskline/internal/domain"
)

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []domain.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Taskline-Secret") != "s3cret" {
			t.Errorf("missing secret header")
		}
		var evt domain.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Header.Get("X-Taskline-Event") != evt.Type {
			t.Errorf("event header %q != %q", r.Header.Get("X-Taskline-Event"), evt.Type)
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer srv.Close()

	w := NewWebhook([]WebhookTarget{{URL: srv.URL, Secret: "s3cret", Events: []string{domain.EventTaskDeleted}}}, nil)
	ctx := context.Background()
	for i, typ := range []string{domain.EventTaskCreated, domain.EventTaskDeleted, domain.EventTaskUpdated} {
		if err := w.Publish(ctx, domain.Event{ID: int64(i + 1), Type: typ, UserID: "alice", TaskID: "t1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != domain.EventTaskDeleted || got[0].ID != 2 {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("task.created") {
		t.Fatalf("empty filter should match all")
	}
	if !newEventFilter([]string{" ", ""}).match("task.created") {
		t.Fatalf("blank entries should match all")
	}
	f := newEventFilter([]string{"task.completed"})
	if f.match("task.created") || !f.match("task.completed") {
		t.Fatalf("filter mismatch")
	}
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, domain.Event) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := Fanout{Nop{}, failingSink{boom}}.Publish(context.Background(), domain.Event{Type: "task.created"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := (Fanout{Nop{}}).Publish(context.Background(), domain.Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookPublishAfterClose(t *testing.T) {
	w := NewWebhook(nil, nil)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := w.Publish(context.Background(), domain.Event{ID: 1, Type: domain.EventTaskCreated})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
