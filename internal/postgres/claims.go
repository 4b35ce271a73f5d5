package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ldi/claimdeck/pkg/models"
)

const claimColumns = `c.id, c.task_id, c.user_id, c.status, c.claimed_at, c.started_at, c.submitted_at, c.completed_at`

// lockUser serializes capacity checks for one user across connections,
// including the case where the user holds no rows to lock yet.
const lockUser = `SELECT pg_advisory_xact_lock(hashtext($1))`

func (s *Store) InsertClaim(ctx context.Context, userID, taskID string) (*models.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to begin transaction: %w", err), taskID)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.ErrTaskNotFound, taskID, "task not found")
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock task: %w", err), taskID)
	}

	var holder string
	err = tx.QueryRow(ctx, `SELECT user_id FROM claims WHERE task_id = $1`, taskID).Scan(&holder)
	switch {
	case err == nil:
		return nil, models.NewError(models.ErrAlreadyClaimed, taskID, "task already claimed")
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, mapError(fmt.Errorf("failed to check existing claim: %w", err), taskID)
	}

	if err := s.checkCapacity(ctx, tx, userID, taskID); err != nil {
		return nil, err
	}

	c := &models.Claim{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    userID,
		Status:    models.ClaimStatusClaimed,
		ClaimedAt: utcNow(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO claims (id, task_id, user_id, status, claimed_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.TaskID, c.UserID, string(c.Status), c.ClaimedAt,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to insert claim: %w", err), taskID)
	}

	if err := notify(ctx, tx, models.ChangeEvent{Op: models.ChangeInsert, TaskID: taskID, UserID: userID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(fmt.Errorf("failed to commit claim: %w", err), taskID)
	}

	if t, err := s.FetchTask(ctx, taskID); err == nil {
		c.Task = t
	}
	return c, nil
}

func (s *Store) DeleteClaim(ctx context.Context, userID, taskID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err), taskID)
	}
	defer tx.Rollback(ctx)

	current, err := getClaim(ctx, tx, userID, taskID)
	if err != nil {
		return err
	}
	if _, ok := models.LookupTransition(current.Status, models.ActionRelease); !ok {
		return models.NewError(models.ErrInvalidTransition, taskID, "cannot release a %s claim", current.Status)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM claims WHERE id = $1`, current.ID); err != nil {
		return mapError(fmt.Errorf("failed to delete claim: %w", err), taskID)
	}
	if err := notify(ctx, tx, models.ChangeEvent{Op: models.ChangeDelete, TaskID: taskID, UserID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit release: %w", err), taskID)
	}
	return nil
}

func (s *Store) UpdateClaimStatus(ctx context.Context, userID, taskID string, status models.ClaimStatus, field models.TimestampField) (*models.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to begin transaction: %w", err), taskID)
	}
	defer tx.Rollback(ctx)

	current, err := getClaim(ctx, tx, userID, taskID)
	if err != nil {
		return nil, err
	}

	tr, err := validateTransition(current.Status, status, field)
	if err != nil {
		return nil, models.Wrap(models.ErrInvalidTransition, taskID, err)
	}
	if tr.Reactivates {
		if err := s.checkCapacity(ctx, tx, userID, taskID); err != nil {
			return nil, err
		}
	}

	current.Apply(tr, utcNow())
	_, err = tx.Exec(ctx, `
		UPDATE claims
		SET status = $1, started_at = $2, submitted_at = $3, completed_at = $4
		WHERE id = $5
	`, string(current.Status), current.StartedAt, current.SubmittedAt, current.CompletedAt, current.ID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to update claim status: %w", err), taskID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(fmt.Errorf("failed to commit status update: %w", err), taskID)
	}
	return current, nil
}

func (s *Store) FetchClaims(ctx context.Context, userID string) ([]models.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+claimColumns+`,
		       t.id, t.type, t.category, t.subcategory, t.description, t.difficulty, t.is_priority,
		       t.display_order, t.boost_multiplier, t.promo_title, t.is_claimed
		FROM claims c
		JOIN v_tasks t ON t.id = c.task_id
		WHERE c.user_id = $1
		ORDER BY c.claimed_at DESC, c.task_id ASC
	`, userID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query claims: %w", err), "")
	}

	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Claim, error) {
		var c models.Claim
		var status, difficulty string
		t := &models.Task{}
		err := row.Scan(
			&c.ID, &c.TaskID, &c.UserID, &status, &c.ClaimedAt, &c.StartedAt, &c.SubmittedAt, &c.CompletedAt,
			&t.ID, &t.Type, &t.Category, &t.Subcategory, &t.Description, &difficulty, &t.IsPriority,
			&t.DisplayOrder, &t.BoostMultiplier, &t.PromoTitle, &t.IsClaimed,
		)
		c.Status = models.ClaimStatus(status)
		t.Difficulty = models.ParseDifficulty(difficulty)
		c.Task = t
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan claims: %w", err)
	}
	return claims, nil
}

func (s *Store) checkCapacity(ctx context.Context, tx pgx.Tx, userID, taskID string) error {
	if _, err := tx.Exec(ctx, lockUser, userID); err != nil {
		return mapError(fmt.Errorf("failed to lock user: %w", err), taskID)
	}

	var active int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE user_id = $1 AND status IN ('claimed', 'in_progress')`,
		userID,
	).Scan(&active)
	if err != nil {
		return mapError(fmt.Errorf("failed to count active claims: %w", err), taskID)
	}
	if active >= s.maxActive {
		return models.NewError(models.ErrCapacityExceeded, taskID, "%d of %d active claims in use", active, s.maxActive)
	}
	return nil
}

// getClaim reads and row-locks the user's claim on a task.
func getClaim(ctx context.Context, tx pgx.Tx, userID, taskID string) (*models.Claim, error) {
	c := &models.Claim{}
	var status string
	err := tx.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims c WHERE c.task_id = $1 AND c.user_id = $2 FOR UPDATE`,
		taskID, userID,
	).Scan(&c.ID, &c.TaskID, &c.UserID, &status, &c.ClaimedAt, &c.StartedAt, &c.SubmittedAt, &c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.ClaimError{
			Kind:   models.ErrInvalidTransition,
			TaskID: taskID,
			Msg:    "no claim held on task",
			Err:    models.ErrClaimNotFound,
		}
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get claim: %w", err), taskID)
	}
	c.Status = models.ClaimStatus(status)
	c.ClaimedAt = c.ClaimedAt.UTC()
	return c, nil
}

func notify(ctx context.Context, tx pgx.Tx, ev models.ChangeEvent) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return mapError(fmt.Errorf("failed to notify: %w", err), ev.TaskID)
	}
	return nil
}

func validateTransition(from, to models.ClaimStatus, field models.TimestampField) (models.Transition, error) {
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
