package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ldi/claimdeck/pkg/models"
)

func intp(i int) *int { return &i }

func taskIDs(tasks []models.Task) string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return strings.Join(ids, ",")
}

func TestTaskCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := &models.Task{
		Type:        "writing",
		Category:    "Poetry",
		Subcategory: "Haiku",
		Description: "Write three haiku",
		Difficulty:  models.DifficultyEasy,
		IsPriority:  true,
	}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	if len(task.ID) != 36 {
		t.Errorf("Expected generated UUID, got %q", task.ID)
	}

	fetched, err := db.FetchTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if fetched.Category != "Poetry" || !fetched.IsPriority || fetched.BoostMultiplier != 1 {
		t.Errorf("Unexpected task: %+v", fetched)
	}
	if fetched.DisplayOrder != nil {
		t.Errorf("Expected nil display order, got %v", *fetched.DisplayOrder)
	}
	if fetched.IsClaimed {
		t.Errorf("Expected unclaimed task")
	}

	task.DisplayOrder = intp(4)
	task.PromoTitle = "Featured"
	if err := db.UpsertTasks(ctx, []models.Task{*task}); err != nil {
		t.Fatalf("Failed to update task: %v", err)
	}
	fetched, _ = db.FetchTask(ctx, task.ID)
	if fetched.DisplayOrder == nil || *fetched.DisplayOrder != 4 || !fetched.Promoted() {
		t.Errorf("Update not applied: %+v", fetched)
	}

	if err := db.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("Failed to delete task: %v", err)
	}
	_, err = db.FetchTask(ctx, task.ID)
	if !errors.Is(err, models.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
	if err := db.DeleteTask(ctx, task.ID); !errors.Is(err, models.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound deleting twice, got %v", err)
	}
}

func TestFetchPreview(t *testing.T) {
	db := newTestDB(t,
		models.Task{ID: "w-plain", Type: "writing", Category: "b"},
		models.Task{ID: "w-prio", Type: "writing", Category: "z", IsPriority: true},
		models.Task{ID: "w-order", Type: "writing", DisplayOrder: intp(1)},
		models.Task{ID: "w-promo", Type: "writing", BoostMultiplier: 2},
		models.Task{ID: "c-1", Type: "code", Category: "a"},
		models.Task{ID: "c-2", Type: "code", Category: "b"},
	)
	ctx := context.Background()

	preview, err := db.FetchPreview(ctx, 3)
	if err != nil {
		t.Fatalf("FetchPreview failed: %v", err)
	}
	want := "c-1,c-2,w-promo,w-order,w-prio"
	if got := taskIDs(preview); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestFetchCounts(t *testing.T) {
	db := newTestDB(t,
		models.Task{ID: "a", Type: "writing"},
		models.Task{ID: "b", Type: "writing"},
		models.Task{ID: "c", Type: "code"},
	)
	ctx := context.Background()

	if _, err := db.InsertClaim(ctx, "alice", "a"); err != nil {
		t.Fatalf("InsertClaim failed: %v", err)
	}

	counts, err := db.FetchCounts(ctx)
	if err != nil {
		t.Fatalf("FetchCounts failed: %v", err)
	}
	want := []models.TypeCount{
		{Type: "code", Total: 1, Available: 1},
		{Type: "writing", Total: 2, Available: 1},
	}
	if len(counts) != len(want) {
		t.Fatalf("Expected %d counts, got %+v", len(want), counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("count %d: expected %+v, got %+v", i, want[i], counts[i])
		}
	}
}

func TestFetchByTypePages(t *testing.T) {
	var tasks []models.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, models.Task{ID: fmt.Sprintf("t%02d", i), Type: "bulk"})
	}
	tasks = append(tasks, models.Task{ID: "other", Type: "misc"})
	db := newTestDB(t, tasks...)
	db.SetPageSize(3)

	all, err := db.FetchByType(context.Background(), "bulk")
	if err != nil {
		t.Fatalf("FetchByType failed: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("Expected 7 tasks across pages, got %d", len(all))
	}
	if all[0].ID != "t00" || all[6].ID != "t06" {
		t.Errorf("Unexpected order: %s", taskIDs(all))
	}

	// An exact multiple of the page size still terminates.
	db.SetPageSize(7)
	all, err = db.FetchByType(context.Background(), "bulk")
	if err != nil || len(all) != 7 {
		t.Errorf("Expected 7 tasks, got %d (%v)", len(all), err)
	}
}

func TestSearch(t *testing.T) {
	db := newTestDB(t,
		models.Task{ID: "t1", Type: "w", Category: "Poetry", Description: "Haiku"},
		models.Task{ID: "t2", Type: "w", Category: "Prose", Description: "A poetry review"},
		models.Task{ID: "t3", Type: "w", Category: "Math"},
	)
	ctx := context.Background()

	results, err := db.Search(ctx, "poetry", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if got := taskIDs(results); got != "t1,t2" {
		t.Errorf("Expected t1,t2, got %s", got)
	}

	results, err = db.Search(ctx, "poetry", 1)
	if err != nil || len(results) != 1 {
		t.Errorf("Expected capped result, got %v (%v)", taskIDs(results), err)
	}

	results, err = db.Search(ctx, "  ", 10)
	if err != nil || results != nil {
		t.Errorf("Expected nil for blank query, got %v (%v)", results, err)
	}
}
