package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/claimdeck/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const claimColumns = `c.id, c.task_id, c.user_id, c.status, c.claimed_at, c.started_at, c.submitted_at, c.completed_at`

// InsertClaim claims a task for a user. The existence, uniqueness and
// capacity checks run in the same transaction as the insert.
func (db *DB) InsertClaim(ctx context.Context, userID, taskID string) (*models.Claim, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check task: %w", err)
	}
	if exists == 0 {
		return nil, models.NewError(models.ErrTaskNotFound, taskID, "task not found")
	}

	var holder string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM claims WHERE task_id = ?`, taskID).Scan(&holder)
	switch {
	case err == nil:
		return nil, models.NewError(models.ErrAlreadyClaimed, taskID, "task already claimed")
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to check existing claim: %w", err)
	}

	active, err := db.countActive(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if active >= db.maxActive {
		return nil, models.NewError(models.ErrCapacityExceeded, taskID, "%d of %d active claims in use", active, db.maxActive)
	}

	c := &models.Claim{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    userID,
		Status:    models.ClaimStatusClaimed,
		ClaimedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO claims (id, task_id, user_id, status, claimed_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.UserID, c.Status, c.ClaimedAt,
	)
	if isUniqueViolation(err) {
		return nil, models.NewError(models.ErrAlreadyClaimed, taskID, "task already claimed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	db.hub.Publish(models.ChangeEvent{Op: models.ChangeInsert, TaskID: taskID, UserID: userID})
	db.triggerChange(ctx)

	if t, err := db.FetchTask(ctx, taskID); err == nil {
		c.Task = t
	}
	return c, nil
}

// DeleteClaim releases a claimed or in-progress task.
func (db *DB) DeleteClaim(ctx context.Context, userID, taskID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := db.getClaim(ctx, tx, userID, taskID)
	if err != nil {
		return err
	}
	if _, ok := models.LookupTransition(current.Status, models.ActionRelease); !ok {
		return models.NewError(models.ErrInvalidTransition, taskID, "cannot release a %s claim", current.Status)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, current.ID); err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	db.hub.Publish(models.ChangeEvent{Op: models.ChangeDelete, TaskID: taskID, UserID: userID})
	db.triggerChange(ctx)
	return nil
}

// UpdateClaimStatus moves a claim along the state machine. The move must be
// a legal edge stamping the given field; reopening also needs free capacity.
func (db *DB) UpdateClaimStatus(ctx context.Context, userID, taskID string, status models.ClaimStatus, field models.TimestampField) (*models.Claim, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := db.getClaim(ctx, tx, userID, taskID)
	if err != nil {
		return nil, err
	}

	tr, err := validateClaimTransition(current.Status, status, field)
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidTransition, taskID, err)
	}

	if tr.Reactivates {
		active, err := db.countActive(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if active >= db.maxActive {
			return nil, models.NewError(models.ErrCapacityExceeded, taskID, "%d of %d active claims in use", active, db.maxActive)
		}
	}

	current.Apply(tr, time.Now().UTC())
	_, err = tx.ExecContext(ctx, `
		UPDATE claims
		SET status = ?, started_at = ?, submitted_at = ?, completed_at = ?
		WHERE id = ?
	`, current.Status, current.StartedAt, current.SubmittedAt, current.CompletedAt, current.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update claim status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	db.triggerChange(ctx)
	return current, nil
}

// FetchClaims lists every claim held by a user with its task attached.
func (db *DB) FetchClaims(ctx context.Context, userID string) ([]models.Claim, error) {
	query := `
		SELECT ` + claimColumns + `,
		       t.id, t.type, t.category, t.subcategory, t.description, t.difficulty, t.is_priority,
		       t.display_order, t.boost_multiplier, t.promo_title, t.is_claimed
		FROM claims c
		JOIN v_tasks t ON t.id = c.task_id
		WHERE c.user_id = ?
		ORDER BY c.claimed_at DESC, c.task_id ASC
	`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		var c models.Claim
		t := &models.Task{}
		var isPriority, isClaimed int
		err := rows.Scan(
			&c.ID, &c.TaskID, &c.UserID, &c.Status, &c.ClaimedAt, &c.StartedAt, &c.SubmittedAt, &c.CompletedAt,
			&t.ID, &t.Type, &t.Category, &t.Subcategory, &t.Description, &t.Difficulty, &isPriority,
			&t.DisplayOrder, &t.BoostMultiplier, &t.PromoTitle, &isClaimed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		t.IsPriority = isPriority == 1
		t.IsClaimed = isClaimed == 1
		c.Task = t
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return claims, nil
}

func (db *DB) getClaim(ctx context.Context, exec executor, userID, taskID string) (*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims c WHERE c.task_id = ? AND c.user_id = ?`
	c := &models.Claim{}
	err := exec.QueryRowContext(ctx, query, taskID, userID).Scan(
		&c.ID, &c.TaskID, &c.UserID, &c.Status, &c.ClaimedAt, &c.StartedAt, &c.SubmittedAt, &c.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &models.ClaimError{
			Kind:   models.ErrInvalidTransition,
			TaskID: taskID,
			Msg:    "no claim held on task",
			Err:    models.ErrClaimNotFound,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

func (db *DB) countActive(ctx context.Context, exec executor, userID string) (int, error) {
	var n int
	err := exec.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE user_id = ? AND status IN ('claimed', 'in_progress')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active claims: %w", err)
	}
	return n, nil
}

func validateClaimTransition(from, to models.ClaimStatus, field models.TimestampField) (models.Transition, error) {
	if !to.Valid() {
		return models.Transition{}, fmt.Errorf("unknown status %q", to)
	}
	tr, ok := models.LookupTransitionTo(from, to)
	if !ok {
		return models.Transition{}, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	if field != "" && field != tr.Field {
		return models.Transition{}, fmt.Errorf("transition from %s to %s stamps %s, not %s", from, to, tr.Field, field)
	}
	return tr, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
