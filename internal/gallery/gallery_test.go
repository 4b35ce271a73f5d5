package gallery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/rank"
	"github.com/ldi/claimdeck/pkg/models"
)

type mockQuery struct {
	mu    sync.Mutex
	tasks []models.Task
	err   error
}

func (m *mockQuery) list() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Task(nil), m.tasks...), m.err
}

func (m *mockQuery) FetchPreview(ctx context.Context, perType int) ([]models.Task, error) {
	tasks, err := m.list()
	if err != nil {
		return nil, err
	}
	return rank.Preview(tasks, perType), nil
}

func (m *mockQuery) FetchCounts(ctx context.Context) ([]models.TypeCount, error) {
	tasks, err := m.list()
	if err != nil {
		return nil, err
	}
	counts := map[string]*models.TypeCount{}
	var out []models.TypeCount
	for _, t := range tasks {
		if counts[t.Type] == nil {
			counts[t.Type] = &models.TypeCount{Type: t.Type}
		}
		counts[t.Type].Total++
		if !t.IsClaimed {
			counts[t.Type].Available++
		}
	}
	for _, c := range counts {
		out = append(out, *c)
	}
	return out, nil
}

func (m *mockQuery) FetchByType(ctx context.Context, taskType string) ([]models.Task, error) {
	tasks, err := m.list()
	if err != nil {
		return nil, err
	}
	var out []models.Task
	for _, t := range tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockQuery) Search(ctx context.Context, query string, max int) ([]models.Task, error) {
	tasks, err := m.list()
	if err != nil {
		return nil, err
	}
	return rank.Search(tasks, query, max), nil
}

func (m *mockQuery) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	tasks, _ := m.list()
	for _, t := range tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, models.NewError(models.ErrTaskNotFound, id, "task not found")
}

func fixtureTasks() []models.Task {
	return []models.Task{
		{ID: "w1", Type: "writing", Category: "Poetry", Subcategory: "Haiku"},
		{ID: "w2", Type: "writing", Category: "Poetry", Subcategory: "Sonnet", IsPriority: true},
		{ID: "w3", Type: "writing", Category: "Prose", Subcategory: "Haiku"},
		{ID: "w4", Type: "writing", Category: "Prose", Subcategory: "Essay", IsClaimed: true},
		{ID: "c1", Type: "code", Category: "Go", Subcategory: "Parsers"},
		{ID: "c2", Type: "code", Category: "Rust", Subcategory: "Parsers", IsPriority: true},
	}
}

func newGallery(t *testing.T, q *mockQuery) (*Gallery, *catalog.Store) {
	t.Helper()
	opts := catalog.DefaultOptions()
	opts.PreviewPerType = 2
	clk := clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	cat := catalog.New(q, nil, clk, zerolog.Nop(), opts)
	return New(cat), cat
}

func TestSections(t *testing.T) {
	g, _ := newGallery(t, &mockQuery{tasks: fixtureTasks()})

	sections, err := g.Sections(context.Background())
	if err != nil {
		t.Fatalf("Sections failed: %v", err)
	}
	if len(sections) != 2 || sections[0].Type != "code" || sections[1].Type != "writing" {
		t.Fatalf("Expected sorted code and writing sections, got %+v", sections)
	}

	writing := sections[1]
	if len(writing.Tasks) != 2 {
		t.Errorf("Expected preview of 2, got %d", len(writing.Tasks))
	}
	if writing.Count.Total != 4 || writing.Count.Available != 3 {
		t.Errorf("Expected counts from aggregates, got %+v", writing.Count)
	}
	if !writing.HasMore {
		t.Errorf("Expected HasMore for writing")
	}
	if sections[0].HasMore {
		t.Errorf("Expected code fully shown")
	}
}

func TestSectionsServeLastSnapshotOnError(t *testing.T) {
	q := &mockQuery{tasks: fixtureTasks()}
	g, cat := newGallery(t, q)
	ctx := context.Background()

	if _, err := g.Sections(ctx); err != nil {
		t.Fatal(err)
	}

	q.mu.Lock()
	q.err = models.NewError(models.ErrNetwork, "", "offline")
	q.mu.Unlock()

	if _, err := cat.Refresh(ctx); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("Expected refresh to fail, got %v", err)
	}
	sections, err := g.Sections(ctx)
	if err != nil || len(sections) != 2 {
		t.Errorf("Expected cached sections, got %d (%v)", len(sections), err)
	}
}

func TestTasksForAndCount(t *testing.T) {
	g, _ := newGallery(t, &mockQuery{tasks: fixtureTasks()})
	ctx := context.Background()

	if got := g.TasksFor("writing"); got != nil {
		t.Errorf("Expected nothing before the first load, got %d", len(got))
	}
	if c := g.Count("writing"); c.Total != 0 || c.Type != "writing" {
		t.Errorf("Expected zero count, got %+v", c)
	}

	g.Sections(ctx)
	if got := g.TasksFor("writing"); len(got) != 2 {
		t.Errorf("Expected preview slice, got %d", len(got))
	}

	full, err := g.Category(ctx, "writing")
	if err != nil || len(full) != 4 {
		t.Fatalf("Expected full category, got %d (%v)", len(full), err)
	}
	if got := g.TasksFor("writing"); len(got) != 4 {
		t.Errorf("Expected loaded category, got %d", len(got))
	}
	if c := g.Count("code"); c.Total != 2 {
		t.Errorf("Expected code total 2, got %+v", c)
	}
	if types := g.Types(); len(types) != 2 {
		t.Errorf("Expected 2 types, got %v", types)
	}
}

func TestRecommend(t *testing.T) {
	g, _ := newGallery(t, &mockQuery{tasks: fixtureTasks()})
	ctx := context.Background()
	g.Sections(ctx)
	g.Category(ctx, "writing")

	if got := g.Recommend(nil, 0); got != nil {
		t.Errorf("Expected no recommendations without claims")
	}

	claims := []models.Claim{{
		TaskID: "w1",
		Task:   &models.Task{ID: "w1", Category: "Poetry", Subcategory: "Haiku"},
	}}
	got := g.Recommend(claims, 0)

	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	// w3 shares the subcategory (3), w2 the category plus priority (1.5),
	// c2 only priority (0.5). w4 is claimed, c1 shares nothing.
	want := []string{"w3", "w2", "c2"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, ids)
		}
	}

	if got := g.Recommend(claims, 1); len(got) != 1 {
		t.Errorf("Expected limit honored, got %d", len(got))
	}

	// Claims without an attached task fall back to the catalog.
	bare := []models.Claim{{TaskID: "c1"}}
	if got := g.Recommend(bare, 0); len(got) == 0 || got[0].ID != "c2" {
		t.Errorf("Expected c2 from catalog lookup, got %+v", got)
	}
}

func TestRandom(t *testing.T) {
	g, cat := newGallery(t, &mockQuery{tasks: fixtureTasks()})
	ctx := context.Background()
	g.Sections(ctx)
	g.Category(ctx, "writing")

	picks := g.Random(3, rand.New(rand.NewPCG(1, 2)))
	if len(picks) != 3 {
		t.Fatalf("Expected 3 picks, got %d", len(picks))
	}
	seen := map[string]bool{}
	for _, p := range picks {
		if p.IsClaimed {
			t.Errorf("Random returned claimed task %s", p.ID)
		}
		if seen[p.ID] {
			t.Errorf("Duplicate pick %s", p.ID)
		}
		seen[p.ID] = true
	}

	again := g.Random(3, rand.New(rand.NewPCG(1, 2)))
	for i := range picks {
		if picks[i].ID != again[i].ID {
			t.Errorf("Expected the same seed to give the same picks")
		}
	}

	if got := g.Random(50, nil); len(got) != 5 {
		t.Errorf("Expected every available task, got %d", len(got))
	}
	if got := g.Random(0, nil); len(got) != 0 {
		t.Errorf("Expected none, got %d", len(got))
	}

	cat.SetClaimed("w1", true)
	for _, p := range g.Random(10, nil) {
		if p.ID == "w1" {
			t.Errorf("Expected newly claimed task excluded")
		}
	}
}
