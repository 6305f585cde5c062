package tasklinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientPathsAndAuth(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/api/u1/tasks":
			json.NewEncoder(w).Encode([]Task{{ID: "t1", Title: "a"}})
		case r.URL.Path == "/api/u1/tasks/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
		default:
			json.NewEncoder(w).Encode(Task{ID: "t1", Completed: true})
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "u1", "tok")
	ctx := context.Background()

	if _, err := c.ListTasks(ctx, ListOptions{Status: "pending", Tags: []string{"a", "b"}, Limit: 5}); err != nil {
		t.Fatalf("list: %v", err)
	}
	task, err := c.SetCompleted(ctx, "t1", true)
	if err != nil || !task.Completed {
		t.Fatalf("complete: %v %+v", err, task)
	}
	if err := c.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = c.GetTask(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found api error, got %v", err)
	}

	want := []string{
		"GET /api/u1/tasks?limit=5&status=pending&tags=a%2Cb",
		"PATCH /api/u1/tasks/t1/complete?completed=true",
		"DELETE /api/u1/tasks/t1",
		"GET /api/u1/tasks/missing",
	}
	if len(seen) != len(want) {
		t.Fatalf("requests: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("request %d: got %q want %q", i, seen[i], want[i])
		}
	}
}
