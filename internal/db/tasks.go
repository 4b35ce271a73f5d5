package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ldi/claimdeck/internal/rank"
	"github.com/ldi/claimdeck/pkg/models"
)

const taskColumns = `id, type, category, subcategory, description, difficulty, is_priority,
		       display_order, boost_multiplier, promo_title, is_claimed`

// previewOrder mirrors rank.Less.
const previewOrder = `promoted DESC, display_order IS NULL, display_order ASC, is_priority DESC,
		         category ASC, subcategory ASC, id ASC`

// CreateTask inserts a new task into the catalog.
// If t.ID is empty, a new UUID is generated.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if err := db.upsertTask(ctx, db.DB, t); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

// UpsertTasks inserts or updates every task in one transaction. Claims on
// existing tasks are left untouched.
func (db *DB) UpsertTasks(ctx context.Context, tasks []models.Task) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range tasks {
		if err := db.upsertTask(ctx, tx, &tasks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

func (db *DB) upsertTask(ctx context.Context, exec executor, t *models.Task) error {
	if t.Difficulty == "" {
		t.Difficulty = models.DifficultyUnrated
	}
	if t.BoostMultiplier == 0 {
		t.BoostMultiplier = 1
	}
	isPriority := 0
	if t.IsPriority {
		isPriority = 1
	}

	query := `
		INSERT INTO tasks (id, type, category, subcategory, description, difficulty, is_priority,
		                   display_order, boost_multiplier, promo_title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			category = excluded.category,
			subcategory = excluded.subcategory,
			description = excluded.description,
			difficulty = excluded.difficulty,
			is_priority = excluded.is_priority,
			display_order = excluded.display_order,
			boost_multiplier = excluded.boost_multiplier,
			promo_title = excluded.promo_title
	`
	_, err := exec.ExecContext(ctx, query,
		t.ID, t.Type, t.Category, t.Subcategory, t.Description, t.Difficulty, isPriority,
		t.DisplayOrder, t.BoostMultiplier, t.PromoTitle,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// FetchTask retrieves a task by its ID.
func (db *DB) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM v_tasks WHERE id = ?`
	t, err := scanTask(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrTaskNotFound, id, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// FetchPreview returns the first perType tasks of every type in preview
// order, grouped by type.
func (db *DB) FetchPreview(ctx context.Context, perType int) ([]models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM (
			SELECT v.*, ROW_NUMBER() OVER (
				PARTITION BY type
				ORDER BY ` + previewOrder + `
			) AS rn
			FROM v_tasks v
		)
		WHERE rn <= ?
		ORDER BY type ASC, rn ASC
	`
	return db.queryTasks(ctx, query, perType)
}

func (db *DB) FetchCounts(ctx context.Context) ([]models.TypeCount, error) {
	rows, err := db.QueryContext(ctx, `SELECT type, total, available FROM v_type_counts ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	var counts []models.TypeCount
	for rows.Next() {
		var c models.TypeCount
		if err := rows.Scan(&c.Type, &c.Total, &c.Available); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return counts, nil
}

// FetchTypePage returns one page of a type in preview order.
func (db *DB) FetchTypePage(ctx context.Context, taskType string, offset, limit int) ([]models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM v_tasks
		WHERE type = ?
		ORDER BY ` + previewOrder + `
		LIMIT ? OFFSET ?
	`
	return db.queryTasks(ctx, query, taskType, limit, offset)
}

// FetchByType returns every task of a type, reading it page by page.
func (db *DB) FetchByType(ctx context.Context, taskType string) ([]models.Task, error) {
	var all []models.Task
	for offset := 0; ; offset += db.pageSize {
		page, err := db.FetchTypePage(ctx, taskType, offset, db.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < db.pageSize {
			return all, nil
		}
	}
}

// Search returns up to max tasks matching any query term, most relevant
// first.
func (db *DB) Search(ctx context.Context, query string, max int) ([]models.Task, error) {
	terms := rank.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var where []string
	var args []any
	for _, term := range terms {
		where = append(where, `(lower(id) = ? OR instr(lower(category), ?) > 0
			OR instr(lower(subcategory), ?) > 0 OR instr(lower(description), ?) > 0)`)
		args = append(args, term, term, term, term)
	}

	q := `SELECT ` + taskColumns + ` FROM v_tasks WHERE ` + strings.Join(where, " OR ")
	candidates, err := db.queryTasks(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	return rank.Search(candidates, query, max), nil
}

// DeleteTask deletes a task and any claim on it.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return models.NewError(models.ErrTaskNotFound, id, "task not found")
	}

	db.triggerChange(ctx)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var isPriority, isClaimed int
	err := row.Scan(
		&t.ID, &t.Type, &t.Category, &t.Subcategory, &t.Description, &t.Difficulty, &isPriority,
		&t.DisplayOrder, &t.BoostMultiplier, &t.PromoTitle, &isClaimed,
	)
	if err != nil {
		return nil, err
	}
	t.IsPriority = isPriority == 1
	t.IsClaimed = isClaimed == 1
	return t, nil
}

// queryTasks is a helper to execute a query that returns a list of tasks.
func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
