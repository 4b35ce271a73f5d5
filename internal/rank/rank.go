// Package rank holds the catalog's ordering and search relevance rules so
// every backend and the client cache agree on them.
package rank

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ldi/claimdeck/pkg/models"
)

// Less reports whether a sorts before b in preview order: promoted first,
// then display order with unset last, then priority, category, subcategory
// and finally id.
func Less(a, b models.Task) bool {
	if pa, pb := a.Promoted(), b.Promoted(); pa != pb {
		return pa
	}
	switch {
	case a.DisplayOrder != nil && b.DisplayOrder == nil:
		return true
	case a.DisplayOrder == nil && b.DisplayOrder != nil:
		return false
	case a.DisplayOrder != nil && *a.DisplayOrder != *b.DisplayOrder:
		return *a.DisplayOrder < *b.DisplayOrder
	}
	if a.IsPriority != b.IsPriority {
		return a.IsPriority
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	if a.Subcategory != b.Subcategory {
		return a.Subcategory < b.Subcategory
	}
	return a.ID < b.ID
}

// Sort orders tasks in place in preview order.
func Sort(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}

// Preview groups tasks by type and keeps the first perType of each in
// preview order. The result is sorted by type, then preview order.
func Preview(tasks []models.Task, perType int) []models.Task {
	byType := make(map[string][]models.Task)
	for _, t := range tasks {
		byType[t.Type] = append(byType[t.Type], t)
	}
	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Strings(types)

	out := make([]models.Task, 0, len(tasks))
	for _, typ := range types {
		group := byType[typ]
		Sort(group)
		if perType > 0 && len(group) > perType {
			group = group[:perType]
		}
		out = append(out, group...)
	}
	return out
}

// Field weights for Score.
const (
	weightID          = 5
	weightCategory    = 3
	weightSubcategory = 2
	weightDescription = 1
)

var termPattern = regexp.MustCompile(`[\p{L}\p{N}_-]+`)

// Terms splits a query into lowercase search terms.
func Terms(query string) []string {
	return termPattern.FindAllString(strings.ToLower(query), -1)
}

// Score sums field weights for every term found in the task. Zero means the
// task does not match.
func Score(t models.Task, terms []string) int {
	id := strings.ToLower(t.ID)
	category := strings.ToLower(t.Category)
	subcategory := strings.ToLower(t.Subcategory)
	description := strings.ToLower(t.Description)

	score := 0
	for _, term := range terms {
		if id == term {
			score += weightID
		}
		if strings.Contains(category, term) {
			score += weightCategory
		}
		if strings.Contains(subcategory, term) {
			score += weightSubcategory
		}
		if strings.Contains(description, term) {
			score += weightDescription
		}
	}
	return score
}

// Search scores candidates against query, drops non-matches and returns at
// most max results ordered by score, then preview order.
func Search(candidates []models.Task, query string, max int) []models.Task {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil
	}

	type hit struct {
		task  models.Task
		score int
	}
	hits := make([]hit, 0, len(candidates))
	for _, t := range candidates {
		if s := Score(t, terms); s > 0 {
			hits = append(hits, hit{t, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return Less(hits[i].task, hits[j].task)
	})
	if max > 0 && len(hits) > max {
		hits = hits[:max]
	}

	out := make([]models.Task, len(hits))
	for i, h := range hits {
		out[i] = h.task
	}
	return out
}
