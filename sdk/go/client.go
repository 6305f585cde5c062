package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client acting for one user.
type Client struct {
	BaseURL     string
	UserID      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, userID, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		UserID:      userID,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Recurrence  string     `json:"recurrence"`
	Completed   bool       `json:"completed"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask is the create payload. Empty fields take server defaults.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	Recurrence  string   `json:"recurrence,omitempty"`
}

// TaskUpdate changes only non-nil fields.
type TaskUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	Recurrence  *string   `json:"recurrence,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
}

type ListOptions struct {
	Search   string
	Priority string
	Status   string
	Tags     []string
	Limit    int
	Offset   int
}

// Event represents an audit entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	UserID  string         `json:"user_id"`
	TaskID  string         `json:"task_id"`
	Source  string         `json:"source"`
	Tool    string         `json:"tool,omitempty"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
}

type ChatReply struct {
	ConversationID string           `json:"conversation_id"`
	Response       string           `json:"response"`
	ToolCalls      []ToolInvocation `json:"tool_calls"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListTasks returns tasks matching opts.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Priority != "" {
		q.Set("priority", opts.Priority)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if len(opts.Tags) > 0 {
		q.Set("tags", strings.Join(opts.Tags, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := c.userPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.userPath("tasks"), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.userPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, in TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, c.userPath("tasks/"+url.PathEscape(id)), in, &resp)
	return resp, err
}

// SetCompleted marks a task completed or pending.
func (c *Client) SetCompleted(ctx context.Context, id string, completed bool) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("%s/complete?completed=%t", c.userPath("tasks/"+url.PathEscape(id)), completed)
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.userPath("tasks/"+url.PathEscape(id)), nil, nil)
}

// Chat sends one message to the assistant. An empty conversationID starts a
// new conversation.
func (c *Client) Chat(ctx context.Context, conversationID, message string) (ChatReply, error) {
	body := map[string]any{"message": message}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	var resp ChatReply
	err := c.do(ctx, http.MethodPost, c.userPath("chat"), body, &resp)
	return resp, err
}

// Me returns the user id the bearer token resolves to.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "api/me", nil, &resp)
	return resp.UserID, err
}

// EventsPage returns a paginated audit listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.userPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) userPath(p string) string {
	return fmt.Sprintf("api/%s/%s", url.PathEscape(c.UserID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
