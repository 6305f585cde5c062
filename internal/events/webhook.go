package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

var (
	// ErrQueueFull is returned by Webhook.Publish when deliveries fall behind.
	ErrQueueFull = errors.New("webhook queue full")
	ErrClosed    = errors.New("webhook sink closed")
)

type WebhookTarget struct {
	URL     string
	Events  []string
	Secret  string
	Timeout time.Duration
}

// Webhook posts committed events to HTTP endpoints from a background
// worker. Publish only enqueues.
type Webhook struct {
	targets []webhookTarget
	client  *http.Client
	queue   chan domain.Event
	logger  *zap.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type webhookTarget struct {
	WebhookTarget
	filter eventFilter
}

func NewWebhook(targets []WebhookTarget, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Webhook{
		client: &http.Client{Timeout: defaultWebhookTimeout},
		queue:  make(chan domain.Event, defaultWebhookQueue),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, t := range targets {
		if strings.TrimSpace(t.URL) == "" {
			continue
		}
		w.targets = append(w.targets, webhookTarget{WebhookTarget: t, filter: newEventFilter(t.Events)})
	}
	go w.run()
	return w
}

func (w *Webhook) Publish(_ context.Context, evt domain.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (w *Webhook) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

func (w *Webhook) run() {
	defer close(w.done)
	for evt := range w.queue {
		for _, t := range w.targets {
			if !t.filter.match(evt.Type) {
				continue
			}
			if err := w.post(context.Background(), t.WebhookTarget, evt); err != nil {
				w.logger.Warn("webhook delivery failed",
					zap.String("url", t.URL),
					zap.String("type", evt.Type),
					zap.Int64("event_id", evt.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, t WebhookTarget, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.client
	if t.Timeout > 0 && t.Timeout != w.client.Timeout {
		client = &http.Client{Timeout: t.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Event", evt.Type)
	req.Header.Set("X-Taskline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(t.Secret) != "" {
		req.Header.Set("X-Taskline-Secret", t.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
