// Package gallery partitions the cached catalog into per-type sections and
// derives recommendations. It reads the catalog and never decides claim
// state on its own.
package gallery

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/pkg/models"
)

const DefaultRecommendLimit = 10

// Recommendation weights.
const (
	subcategoryMatch = 3
	categoryMatch    = 1
	priorityBonus    = 0.5
)

type Section struct {
	Type  string
	Tasks []models.Task
	Count models.TypeCount
	// HasMore is set when the type holds more tasks than the preview shows.
	HasMore bool
}

type Gallery struct {
	catalog *catalog.Store
}

func New(cat *catalog.Store) *Gallery {
	return &Gallery{catalog: cat}
}

// Sections returns one section per type, types sorted. Counts come from
// the aggregate counts, not from the bounded preview. When the fetch fails
// but a snapshot exists, the sections are built from it and the error is
// returned alongside.
func (g *Gallery) Sections(ctx context.Context) ([]Section, error) {
	snap, err := g.catalog.Preview(ctx)
	if snap == nil {
		return nil, err
	}
	return buildSections(snap), err
}

func buildSections(snap *catalog.Snapshot) []Section {
	byType := make(map[string][]models.Task)
	for _, t := range snap.Tasks {
		byType[t.Type] = append(byType[t.Type], t)
	}

	types := snap.Types()
	out := make([]Section, 0, len(types))
	for _, typ := range types {
		tasks := byType[typ]
		count, ok := snap.Counts[typ]
		if !ok {
			count = models.TypeCount{Type: typ, Total: len(tasks)}
			for _, t := range tasks {
				if !t.IsClaimed {
					count.Available++
				}
			}
		}
		out = append(out, Section{
			Type:    typ,
			Tasks:   tasks,
			Count:   count,
			HasMore: count.Total > len(tasks),
		})
	}
	return out
}

// Category loads every task of a type.
func (g *Gallery) Category(ctx context.Context, taskType string) ([]models.Task, error) {
	return g.catalog.ByType(ctx, taskType)
}

// TasksFor returns the full type if it has been loaded, else its preview.
func (g *Gallery) TasksFor(taskType string) []models.Task {
	if tasks, ok := g.catalog.CachedType(taskType); ok {
		return tasks
	}
	snap := g.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	var out []models.Task
	for _, t := range snap.Tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

func (g *Gallery) Count(taskType string) models.TypeCount {
	snap := g.catalog.Snapshot()
	if snap == nil {
		return models.TypeCount{Type: taskType}
	}
	if c, ok := snap.Counts[taskType]; ok {
		return c
	}
	return models.TypeCount{Type: taskType}
}

func (g *Gallery) Types() []string {
	snap := g.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	return snap.Types()
}

// Recommend returns up to limit unclaimed tasks that resemble the given
// claims. Tasks that share nothing with them are left out. Ties keep
// preview order.
func (g *Gallery) Recommend(claims []models.Claim, limit int) []models.Task {
	if len(claims) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultRecommendLimit
	}

	held := make(map[string]bool, len(claims))
	categories := make(map[string]bool)
	subcategories := make(map[string]bool)
	for _, c := range claims {
		held[c.TaskID] = true
		task := c.Task
		if task == nil {
			if t, ok := g.catalog.Task(c.TaskID); ok {
				task = &t
			}
		}
		if task == nil {
			continue
		}
		if task.Category != "" {
			categories[task.Category] = true
		}
		if task.Subcategory != "" {
			subcategories[task.Subcategory] = true
		}
	}

	type scored struct {
		task  models.Task
		score float64
	}
	var candidates []scored
	for _, t := range g.available() {
		if held[t.ID] {
			continue
		}
		var score float64
		if subcategories[t.Subcategory] {
			score += subcategoryMatch
		}
		if categories[t.Category] {
			score += categoryMatch
		}
		if t.IsPriority {
			score += priorityBonus
		}
		if score > 0 {
			candidates = append(candidates, scored{task: t, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	out := make([]models.Task, 0, min(limit, len(candidates)))
	for i := 0; i < len(candidates) && i < limit; i++ {
		out = append(out, candidates[i].task)
	}
	return out
}

// Random picks up to n distinct unclaimed tasks from the cached views. A
// nil rnd uses the global source.
func (g *Gallery) Random(n int, rnd *rand.Rand) []models.Task {
	pool := g.available()
	shuffle := rand.Shuffle
	if rnd != nil {
		shuffle = rnd.Shuffle
	}
	shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n < len(pool) {
		pool = pool[:max(n, 0)]
	}
	return pool
}

func (g *Gallery) available() []models.Task {
	var out []models.Task
	for _, t := range g.catalog.Known() {
		if !t.IsClaimed {
			out = append(out, t)
		}
	}
	return out
}
