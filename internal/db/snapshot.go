package db

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/claimdeck/internal/seed"
	"github.com/ldi/claimdeck/pkg/models"
)

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (db *DB) EnableAutoSnapshot(path string) {
	db.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; the write has already committed.
		_ = db.ExportSnapshot(ctx, path)
	})
}

// ExportSnapshot queries the v_snapshot_jsonl_lines view and writes the results
// to the given path atomically using a temporary file.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	rows, err := db.QueryContext(ctx, `
		SELECT json_line
		FROM v_snapshot_jsonl_lines
		ORDER BY record_order, sort_name, sort_secondary
	`)
	if err != nil {
		return fmt.Errorf("failed to query snapshot lines: %w", err)
	}
	defer rows.Close()

	w := bufio.NewWriter(tempFile)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("failed to scan snapshot line: %w", err)
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("failed to write snapshot line: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ImportCatalog upserts the tasks of a JSONL or YAML seed file.
func (db *DB) ImportCatalog(ctx context.Context, path string) (int, error) {
	tasks, err := seed.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := db.UpsertTasks(ctx, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// snapshotClaim is the claim record written by ExportSnapshot. Timestamps
// are kept as driver text and parsed on import.
type snapshotClaim struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	UserID      string  `json:"user_id"`
	Status      string  `json:"status"`
	ClaimedAt   string  `json:"claimed_at"`
	StartedAt   *string `json:"started_at"`
	SubmittedAt *string `json:"submitted_at"`
	CompletedAt *string `json:"completed_at"`
}

// ImportSnapshot restores tasks and claims from a file written by
// ExportSnapshot. Existing rows with the same keys are overwritten.
func (db *DB) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var base struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(line, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base record: %w", err)
		}

		switch base.RecordType {
		case "task":
			var t models.Task
			if err := json.Unmarshal(line, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			if err := db.upsertTask(ctx, tx, &t); err != nil {
				return err
			}

		case "claim":
			var c snapshotClaim
			if err := json.Unmarshal(line, &c); err != nil {
				return fmt.Errorf("failed to unmarshal claim: %w", err)
			}
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			claimedAt, err := parseTimestamp(&c.ClaimedAt)
			if err != nil || claimedAt == nil {
				return fmt.Errorf("claim on %s: invalid claimed_at: %v", c.TaskID, err)
			}
			started, err := parseTimestamp(c.StartedAt)
			if err != nil {
				return fmt.Errorf("claim on %s: %w", c.TaskID, err)
			}
			submitted, err := parseTimestamp(c.SubmittedAt)
			if err != nil {
				return fmt.Errorf("claim on %s: %w", c.TaskID, err)
			}
			completed, err := parseTimestamp(c.CompletedAt)
			if err != nil {
				return fmt.Errorf("claim on %s: %w", c.TaskID, err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO claims (id, task_id, user_id, status, claimed_at, started_at, submitted_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(task_id) DO UPDATE SET
					user_id = excluded.user_id,
					status = excluded.status,
					claimed_at = excluded.claimed_at,
					started_at = excluded.started_at,
					submitted_at = excluded.submitted_at,
					completed_at = excluded.completed_at`,
				c.ID, c.TaskID, c.UserID, c.Status, *claimedAt, started, submitted, completed)
			if err != nil {
				return fmt.Errorf("failed to restore claim on %s: %w", c.TaskID, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseTimestamp(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", *s)
}
