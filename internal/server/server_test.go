package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/db"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/pkg/models"
)

var testKey = []byte("test-signing-key")

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) (*db.DB, http.Handler) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	err = database.UpsertTasks(ctx, []models.Task{
		{ID: "t1", Type: "writing", Category: "Poetry", Description: "Write a sonnet"},
		{ID: "t2", Type: "writing", Category: "Prose"},
		{ID: "t3", Type: "code", Category: "Go"},
	})
	if err != nil {
		t.Fatalf("UpsertTasks failed: %v", err)
	}

	return database, NewServer(database, testKey, zerolog.Nop(), opts).Handler()
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		token, err := identity.IssueToken(user, testKey, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

func TestReadRoutes(t *testing.T) {
	_, h := newTestServer(t, DefaultOptions())

	t.Run("preview", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/preview?per_type=1", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var tasks []models.Task
		json.Unmarshal(w.Body.Bytes(), &tasks)
		if len(tasks) != 2 {
			t.Errorf("Expected one task per type, got %d", len(tasks))
		}
	})

	t.Run("bad per_type", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/preview?per_type=zero", "", "")
		if w.Code != http.StatusBadRequest || decodeError(t, w).Code != codeBadRequest {
			t.Errorf("Expected 400 bad_request, got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("counts", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/counts", "", "")
		var counts []models.TypeCount
		json.Unmarshal(w.Body.Bytes(), &counts)
		if len(counts) != 2 || counts[1].Type != "writing" || counts[1].Total != 2 {
			t.Errorf("Unexpected counts: %+v", counts)
		}
	})

	t.Run("task not found", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/tasks/missing", "", "")
		if w.Code != http.StatusNotFound || decodeError(t, w).Code != "task_not_found" {
			t.Errorf("Expected 404 task_not_found, got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("search", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/search?q=sonnet", "", "")
		var tasks []models.Task
		json.Unmarshal(w.Body.Bytes(), &tasks)
		if len(tasks) != 1 || tasks[0].ID != "t1" {
			t.Errorf("Expected t1, got %+v", tasks)
		}
	})

	t.Run("empty search is an empty array", func(t *testing.T) {
		w := do(t, h, "GET", "/api/v1/search?q=zzz", "", "")
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("Expected [], got %s", w.Body.String())
		}
	})
}

func TestTypePaging(t *testing.T) {
	_, h := newTestServer(t, Options{MaxPageSize: 1})

	w := do(t, h, "GET", "/api/v1/types/writing/tasks", "", "")
	var page TypePage
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Tasks) != 1 || page.NextPage != 2 {
		t.Fatalf("Expected first page with next_page 2, got %+v", page)
	}

	w = do(t, h, "GET", "/api/v1/types/writing/tasks?page=2&page_size=50", "", "")
	page = TypePage{}
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Tasks) != 1 || page.NextPage != 0 {
		t.Errorf("Expected last page capped to 1 task, got %+v", page)
	}
	if strings.Contains(w.Body.String(), "next_page") {
		t.Errorf("Expected next_page omitted on the last page")
	}
}

func TestClaimRoutes(t *testing.T) {
	_, h := newTestServer(t, DefaultOptions())

	if w := do(t, h, "POST", "/api/v1/claims/t1", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", w.Code)
	}

	w := do(t, h, "POST", "/api/v1/claims/t1", "alice", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d %s", w.Code, w.Body.String())
	}
	var c models.Claim
	json.Unmarshal(w.Body.Bytes(), &c)
	if c.UserID != "alice" || c.Status != models.ClaimStatusClaimed {
		t.Errorf("Unexpected claim %+v", c)
	}

	w = do(t, h, "POST", "/api/v1/claims/t1", "bob", "")
	if w.Code != http.StatusConflict || decodeError(t, w).Code != "already_claimed" {
		t.Errorf("Expected 409 already_claimed, got %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, "PATCH", "/api/v1/claims/t1", "alice", `{"status":"accepted","timestamp_field":"completed_at"}`)
	if w.Code != http.StatusUnprocessableEntity || decodeError(t, w).Code != "invalid_transition" {
		t.Errorf("Expected 422 invalid_transition, got %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, "PATCH", "/api/v1/claims/t1", "alice", `{"status":"in_progress","timestamp_field":"started_at"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %s", w.Code, w.Body.String())
	}

	if w := do(t, h, "PATCH", "/api/v1/claims/t1", "alice", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", w.Code)
	}

	w = do(t, h, "GET", "/api/v1/claims", "alice", "")
	var claims []models.Claim
	json.Unmarshal(w.Body.Bytes(), &claims)
	if len(claims) != 1 || claims[0].Status != models.ClaimStatusInProgress || claims[0].Task == nil {
		t.Errorf("Expected one in-progress claim with task, got %+v", claims)
	}

	if w := do(t, h, "DELETE", "/api/v1/claims/t1", "alice", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w := do(t, h, "DELETE", "/api/v1/claims/t1", "alice", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 releasing a missing claim, got %d", w.Code)
	}
}

func TestCapacityConflict(t *testing.T) {
	database, h := newTestServer(t, DefaultOptions())
	database.SetMaxActiveClaims(1)

	do(t, h, "POST", "/api/v1/claims/t1", "alice", "")
	w := do(t, h, "POST", "/api/v1/claims/t2", "alice", "")
	if w.Code != http.StatusConflict || decodeError(t, w).Code != "capacity_exceeded" {
		t.Errorf("Expected 409 capacity_exceeded, got %d %s", w.Code, w.Body.String())
	}
}

func TestFeedStreamsEvents(t *testing.T) {
	database, h := newTestServer(t, DefaultOptions())
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open feed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Expected event stream, got %q", ct)
	}

	if _, err := database.InsertClaim(context.Background(), "alice", "t3"); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("Feed closed before the event arrived")
			}
			data, found := strings.CutPrefix(line, "data:")
			if !found {
				continue
			}
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("Bad event payload %q: %v", data, err)
			}
			if ev.Op != models.ChangeInsert || ev.TaskID != "t3" || ev.UserID != "alice" {
				t.Errorf("Unexpected event %+v", ev)
			}
			return
		case <-timeout:
			t.Fatal("Timed out waiting for event")
		}
	}
}
