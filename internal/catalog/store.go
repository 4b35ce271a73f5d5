// Package catalog is the client-side cache of the task catalog. It serves a
// bounded per-type preview with stale-while-revalidate semantics, lazily
// loads full types, keeps the last search result, and patches claim flags
// across every view as change events arrive.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/localcache"
	"github.com/ldi/claimdeck/internal/rank"
	"github.com/ldi/claimdeck/pkg/models"
)

type Options struct {
	PreviewPerType   int
	SearchMaxResults int
	// TTL is how long a preview snapshot is served without revalidation.
	TTL           time.Duration
	SchemaVersion int
	Namespace     string
}

func DefaultOptions() Options {
	return Options{
		PreviewPerType:   15,
		SearchMaxResults: 100,
		TTL:              5 * time.Minute,
		SchemaVersion:    1,
		Namespace:        "catalog",
	}
}

// Snapshot is the preview plus aggregate counts as of FetchedAt.
type Snapshot struct {
	Tasks     []models.Task               `json:"tasks"`
	Counts    map[string]models.TypeCount `json:"counts"`
	FetchedAt time.Time                   `json:"fetched_at"`
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Tasks:     cloneTasks(s.Tasks),
		Counts:    make(map[string]models.TypeCount, len(s.Counts)),
		FetchedAt: s.FetchedAt,
	}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// Types returns every type known from counts or the preview, sorted.
func (s *Snapshot) Types() []string {
	seen := make(map[string]bool)
	for typ := range s.Counts {
		seen[typ] = true
	}
	for _, t := range s.Tasks {
		seen[t.Type] = true
	}
	types := make([]string, 0, len(seen))
	for typ := range seen {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

type searchResult struct {
	query string
	tasks []models.Task
}

type Store struct {
	query  backend.QueryService
	cache  localcache.Store
	clock  clock.Clock
	logger zerolog.Logger
	opts   Options
	group  singleflight.Group

	mu        sync.RWMutex
	snapshot  *Snapshot
	byType    map[string][]models.Task
	search    *searchResult
	listeners map[int]func()
	nextID    int
}

func New(query backend.QueryService, cache localcache.Store, clk clock.Clock, logger zerolog.Logger, opts Options) *Store {
	def := DefaultOptions()
	if opts.PreviewPerType <= 0 {
		opts.PreviewPerType = def.PreviewPerType
	}
	if opts.SearchMaxResults <= 0 {
		opts.SearchMaxResults = def.SearchMaxResults
	}
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	if cache == nil {
		cache = localcache.NewMemStore()
	}
	return &Store{
		query:     query,
		cache:     cache,
		clock:     clk,
		logger:    logger.With().Str("component", "catalog").Logger(),
		opts:      opts,
		byType:    make(map[string][]models.Task),
		listeners: make(map[int]func()),
	}
}

func (s *Store) Options() Options {
	return s.opts
}

// Load seeds the preview from the durable cache. A missing, outdated or
// corrupt entry leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	entry, ok, err := localcache.Load[Snapshot](ctx, s.cache, s.opts.Namespace, s.opts.SchemaVersion)
	if errors.Is(err, models.ErrCacheCorrupt) {
		s.logger.Warn().Err(err).Msg("discarding corrupt catalog cache")
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	snap := entry.Payload
	if snap.Counts == nil {
		snap.Counts = make(map[string]models.TypeCount)
	}

	s.mu.Lock()
	loaded := s.snapshot == nil
	if loaded {
		s.snapshot = &snap
	}
	s.mu.Unlock()

	if loaded {
		s.logger.Debug().
			Int("tasks", len(snap.Tasks)).
			Time("fetched_at", snap.FetchedAt).
			Msg("loaded catalog from cache")
		s.notify()
	}
	return nil
}

func (s *Store) fresh(snap *Snapshot) bool {
	return s.opts.TTL > 0 && s.clock.Now().Sub(snap.FetchedAt) < s.opts.TTL
}

// Preview returns the preview snapshot. A stale snapshot is returned as is
// while a refresh runs in the background; with no snapshot at all the
// fetch is synchronous.
func (s *Store) Preview(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	snap := s.snapshot.clone()
	s.mu.RUnlock()

	if snap == nil {
		return s.Refresh(ctx)
	}
	if !s.fresh(snap) {
		s.revalidate(ctx)
	}
	return snap, nil
}

func (s *Store) revalidate(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	ch := s.group.DoChan("preview", func() (any, error) {
		return s.fetch(bg)
	})
	go func() {
		if res := <-ch; res.Err != nil {
			s.logger.Warn().Err(res.Err).Msg("background catalog refresh failed")
		}
	}()
}

// Refresh fetches the preview and counts. Concurrent callers share one
// fetch. On failure the last snapshot, if any, is returned with the error.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	_, err, _ := s.group.Do("preview", func() (any, error) {
		return s.fetch(ctx)
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone(), err
}

func (s *Store) fetch(ctx context.Context) (*Snapshot, error) {
	tasks, err := s.query.FetchPreview(ctx, s.opts.PreviewPerType)
	if err != nil {
		return nil, err
	}
	counts, err := s.query.FetchCounts(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Tasks:     rank.Preview(tasks, s.opts.PreviewPerType),
		Counts:    make(map[string]models.TypeCount, len(counts)),
		FetchedAt: s.clock.Now(),
	}
	for _, c := range counts {
		snap.Counts[c.Type] = c
	}

	flags := make(map[string]bool, len(snap.Tasks))
	for _, t := range snap.Tasks {
		flags[t.ID] = t.IsClaimed
	}

	s.mu.Lock()
	s.snapshot = snap
	s.syncFlagsLocked(flags)
	persisted := snap.clone()
	s.mu.Unlock()

	s.logger.Debug().
		Int("tasks", len(snap.Tasks)).
		Int("types", len(snap.Counts)).
		Msg("refreshed catalog preview")

	s.persist(ctx, persisted)
	s.notify()
	return snap, nil
}

func (s *Store) persist(ctx context.Context, snap *Snapshot) {
	if snap == nil {
		return
	}
	err := localcache.Save(ctx, s.cache, s.opts.Namespace, s.opts.SchemaVersion, s.clock.Now(), snap)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist catalog")
	}
}

// ByType returns every task of a type, loading it on first use. The result
// is cached for the life of the store.
func (s *Store) ByType(ctx context.Context, taskType string) ([]models.Task, error) {
	if tasks, ok := s.CachedType(taskType); ok {
		return tasks, nil
	}

	v, err, _ := s.group.Do("type:"+taskType, func() (any, error) {
		s.mu.RLock()
		cached, ok := s.byType[taskType]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		tasks, err := s.query.FetchByType(ctx, taskType)
		if err != nil {
			return nil, err
		}
		rank.Sort(tasks)

		s.mu.Lock()
		s.byType[taskType] = tasks
		s.mu.Unlock()

		s.logger.Debug().
			Str("type", taskType).
			Int("tasks", len(tasks)).
			Msg("loaded task type")
		s.notify()
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(v.([]models.Task)), nil
}

// CachedType returns a fully loaded type without fetching.
func (s *Store) CachedType(taskType string) ([]models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, ok := s.byType[taskType]
	if !ok {
		return nil, false
	}
	return cloneTasks(tasks), true
}

// Search runs a bounded relevance search. The result never enters the
// preview; it is kept as the active search so claim patches reach it.
func (s *Store) Search(ctx context.Context, query string) ([]models.Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		s.ClearSearch()
		return nil, nil
	}

	tasks, err := s.query.Search(ctx, query, s.opts.SearchMaxResults)
	if err != nil {
		return nil, err
	}
	if len(tasks) > s.opts.SearchMaxResults {
		tasks = tasks[:s.opts.SearchMaxResults]
	}

	s.mu.Lock()
	s.search = &searchResult{query: query, tasks: tasks}
	out := cloneTasks(tasks)
	s.mu.Unlock()

	s.notify()
	return out, nil
}

// ActiveSearch returns the last search query and its patched results.
func (s *Store) ActiveSearch() (string, []models.Task) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.search == nil {
		return "", nil
	}
	return s.search.query, cloneTasks(s.search.tasks)
}

func (s *Store) ClearSearch() {
	s.mu.Lock()
	cleared := s.search != nil
	s.search = nil
	s.mu.Unlock()
	if cleared {
		s.notify()
	}
}

// SetClaimed sets the claim flag of a task in every cached view. It is
// idempotent: the available count moves only when the flag actually
// flips, and repeated calls with the same value change nothing. Patches
// carry no ordering; the last call for a task wins.
func (s *Store) SetClaimed(taskID string, claimed bool) bool {
	s.mu.Lock()
	prev, known := s.claimedLocked(taskID)
	if !known {
		s.mu.Unlock()
		return false
	}

	changed := false
	var taskType string
	if s.snapshot != nil {
		for i := range s.snapshot.Tasks {
			if s.snapshot.Tasks[i].ID == taskID {
				taskType = s.snapshot.Tasks[i].Type
				if s.snapshot.Tasks[i].IsClaimed != claimed {
					s.snapshot.Tasks[i].IsClaimed = claimed
					changed = true
				}
			}
		}
	}
	if typ, ok := s.patchSecondaryLocked(taskID, claimed); ok {
		changed = true
		if taskType == "" {
			taskType = typ
		}
	} else if taskType == "" {
		taskType = s.typeOfLocked(taskID)
	}

	if prev != claimed && s.snapshot != nil && taskType != "" {
		if c, ok := s.snapshot.Counts[taskType]; ok {
			if claimed {
				c.Available--
			} else {
				c.Available++
			}
			c.Available = max(0, min(c.Available, c.Total))
			s.snapshot.Counts[taskType] = c
			changed = true
		}
	}

	var persisted *Snapshot
	if changed {
		persisted = s.snapshot.clone()
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug().
			Str("task_id", taskID).
			Bool("claimed", claimed).
			Msg("patched claim flag")
		s.persist(context.Background(), persisted)
		s.notify()
	}
	return changed
}

// syncFlagsLocked copies authoritative flags from a fresh preview into the
// per-type and search views.
func (s *Store) syncFlagsLocked(flags map[string]bool) {
	for _, tasks := range s.byType {
		for i := range tasks {
			if claimed, ok := flags[tasks[i].ID]; ok {
				tasks[i].IsClaimed = claimed
			}
		}
	}
	if s.search != nil {
		for i := range s.search.tasks {
			if claimed, ok := flags[s.search.tasks[i].ID]; ok {
				s.search.tasks[i].IsClaimed = claimed
			}
		}
	}
}

// patchSecondaryLocked updates the per-type and search views. It reports
// whether anything changed and the type of the task if found.
func (s *Store) patchSecondaryLocked(taskID string, claimed bool) (string, bool) {
	changed := false
	var taskType string
	for typ, tasks := range s.byType {
		for i := range tasks {
			if tasks[i].ID == taskID {
				taskType = typ
				if tasks[i].IsClaimed != claimed {
					tasks[i].IsClaimed = claimed
					changed = true
				}
			}
		}
	}
	if s.search != nil {
		for i := range s.search.tasks {
			if s.search.tasks[i].ID == taskID {
				if taskType == "" {
					taskType = s.search.tasks[i].Type
				}
				if s.search.tasks[i].IsClaimed != claimed {
					s.search.tasks[i].IsClaimed = claimed
					changed = true
				}
			}
		}
	}
	return taskType, changed
}

func (s *Store) typeOfLocked(taskID string) string {
	if t, ok := s.taskLocked(taskID); ok {
		return t.Type
	}
	return ""
}

// claimedLocked reads the flag with preview taking precedence over the
// per-type views, then the active search.
func (s *Store) claimedLocked(taskID string) (bool, bool) {
	t, ok := s.taskLocked(taskID)
	return t.IsClaimed, ok
}

func (s *Store) taskLocked(taskID string) (models.Task, bool) {
	if s.snapshot != nil {
		for _, t := range s.snapshot.Tasks {
			if t.ID == taskID {
				return t, true
			}
		}
	}
	types := make([]string, 0, len(s.byType))
	for typ := range s.byType {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		for _, t := range s.byType[typ] {
			if t.ID == taskID {
				return t, true
			}
		}
	}
	if s.search != nil {
		for _, t := range s.search.tasks {
			if t.ID == taskID {
				return t, true
			}
		}
	}
	return models.Task{}, false
}

// Claimed returns the local claim flag and whether the task is cached.
func (s *Store) Claimed(taskID string) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimedLocked(taskID)
}

// Task returns a cached task from any view.
func (s *Store) Task(taskID string) (models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.taskLocked(taskID)
}

// Known returns every distinct cached task: preview first, then loaded
// types in type order, then the active search.
func (s *Store) Known() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []models.Task
	add := func(tasks []models.Task) {
		for _, t := range tasks {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	if s.snapshot != nil {
		add(s.snapshot.Tasks)
	}
	types := make([]string, 0, len(s.byType))
	for typ := range s.byType {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		add(s.byType[typ])
	}
	if s.search != nil {
		add(s.search.tasks)
	}
	return out
}

// Snapshot returns the current preview snapshot without fetching.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone()
}

// Subscribe registers fn to run after any view changes. fn must not block.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

func cloneTasks(tasks []models.Task) []models.Task {
	if tasks == nil {
		return nil
	}
	out := make([]models.Task, len(tasks))
	copy(out, tasks)
	for i := range out {
		if out[i].DisplayOrder != nil {
			v := *out[i].DisplayOrder
			out[i].DisplayOrder = &v
		}
	}
	return out
}
