package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ldi/claimdeck/internal/rank"
	"github.com/ldi/claimdeck/pkg/models"
)

const taskColumns = `id, type, category, subcategory, description, difficulty, is_priority,
		       display_order, boost_multiplier, promo_title, is_claimed`

// previewOrder mirrors rank.Less. COLLATE "C" keeps text ordering
// bytewise like the client.
const previewOrder = `promoted DESC, display_order ASC NULLS LAST, is_priority DESC,
		         category COLLATE "C" ASC, subcategory COLLATE "C" ASC, id COLLATE "C" ASC`

// UpsertTasks inserts or updates tasks in one transaction.
func (s *Store) UpsertTasks(ctx context.Context, tasks []models.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err), "")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Difficulty == "" {
			t.Difficulty = models.DifficultyUnrated
		}
		if t.BoostMultiplier == 0 {
			t.BoostMultiplier = 1
		}
		batch.Queue(`
			INSERT INTO tasks (id, type, category, subcategory, description, difficulty, is_priority,
			                   display_order, boost_multiplier, promo_title)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				type = EXCLUDED.type,
				category = EXCLUDED.category,
				subcategory = EXCLUDED.subcategory,
				description = EXCLUDED.description,
				difficulty = EXCLUDED.difficulty,
				is_priority = EXCLUDED.is_priority,
				display_order = EXCLUDED.display_order,
				boost_multiplier = EXCLUDED.boost_multiplier,
				promo_title = EXCLUDED.promo_title
		`, t.ID, t.Type, t.Category, t.Subcategory, t.Description, string(t.Difficulty), t.IsPriority,
			t.DisplayOrder, t.BoostMultiplier, t.PromoTitle)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err), "")
	}
	return nil
}

func (s *Store) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM v_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrTaskNotFound, id, "task not found")
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get task: %w", err), id)
	}
	return t, nil
}

func (s *Store) FetchPreview(ctx context.Context, perType int) ([]models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM (
			SELECT v.*, ROW_NUMBER() OVER (
				PARTITION BY type
				ORDER BY ` + previewOrder + `
			) AS rn
			FROM v_tasks v
		) ranked
		WHERE rn <= $1
		ORDER BY type COLLATE "C" ASC, rn ASC
	`
	return s.queryTasks(ctx, query, perType)
}

func (s *Store) FetchCounts(ctx context.Context) ([]models.TypeCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, total, available FROM v_type_counts ORDER BY type COLLATE "C"`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query counts: %w", err), "")
	}
	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TypeCount, error) {
		var c models.TypeCount
		err := row.Scan(&c.Type, &c.Total, &c.Available)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan counts: %w", err)
	}
	return counts, nil
}

func (s *Store) FetchTypePage(ctx context.Context, taskType string, offset, limit int) ([]models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM v_tasks
		WHERE type = $1
		ORDER BY ` + previewOrder + `
		LIMIT $2 OFFSET $3
	`
	return s.queryTasks(ctx, query, taskType, limit, offset)
}

func (s *Store) FetchByType(ctx context.Context, taskType string) ([]models.Task, error) {
	var all []models.Task
	for offset := 0; ; offset += s.pageSize {
		page, err := s.FetchTypePage(ctx, taskType, offset, s.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < s.pageSize {
			return all, nil
		}
	}
}

func (s *Store) Search(ctx context.Context, query string, max int) ([]models.Task, error) {
	terms := rank.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var where []string
	var args []any
	for i, term := range terms {
		n := i + 1
		where = append(where, fmt.Sprintf(`(lower(id) = $%[1]d OR strpos(lower(category), $%[1]d) > 0
			OR strpos(lower(subcategory), $%[1]d) > 0 OR strpos(lower(description), $%[1]d) > 0)`, n))
		args = append(args, term)
	}

	candidates, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM v_tasks WHERE `+strings.Join(where, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	return rank.Search(candidates, query, max), nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	var difficulty string
	err := row.Scan(
		&t.ID, &t.Type, &t.Category, &t.Subcategory, &t.Description, &difficulty, &t.IsPriority,
		&t.DisplayOrder, &t.BoostMultiplier, &t.PromoTitle, &t.IsClaimed,
	)
	if err != nil {
		return nil, err
	}
	t.Difficulty = models.ParseDifficulty(difficulty)
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tasks, nil
}
