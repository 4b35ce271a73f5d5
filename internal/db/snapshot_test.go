package db

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ldi/claimdeck/pkg/models"
)

func readSnapshotLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open snapshot file: %v", err)
	}
	defer file.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Invalid snapshot line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}
	return records
}

func TestExportSnapshot(t *testing.T) {
	db := newTestDB(t,
		models.Task{ID: "t2", Type: "w", Category: "Prose", IsPriority: true, DisplayOrder: intp(2)},
		models.Task{ID: "t1", Type: "w", Category: "Poetry"},
	)
	ctx := context.Background()
	if _, err := db.InsertClaim(ctx, "alice", "t1"); err != nil {
		t.Fatal(err)
	}

	snapshotPath := filepath.Join(t.TempDir(), "nested", "snapshot.jsonl")
	if err := db.ExportSnapshot(ctx, snapshotPath); err != nil {
		t.Fatalf("Failed to export snapshot: %v", err)
	}

	records := readSnapshotLines(t, snapshotPath)
	if len(records) != 3 {
		t.Fatalf("Expected 2 tasks and 1 claim, got %d lines", len(records))
	}
	if records[0]["record_type"] != "task" || records[0]["id"] != "t1" {
		t.Errorf("Expected tasks first, sorted by id, got %v", records[0])
	}
	if records[1]["is_priority"] != true || records[1]["display_order"] != float64(2) {
		t.Errorf("Unexpected task fields: %v", records[1])
	}
	if records[2]["record_type"] != "claim" || records[2]["user_id"] != "alice" {
		t.Errorf("Expected claim line last, got %v", records[2])
	}

	entries, _ := os.ReadDir(filepath.Dir(snapshotPath))
	if len(entries) != 1 {
		t.Errorf("Expected temp files cleaned up, found %d entries", len(entries))
	}
}

func TestImportSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t,
		models.Task{ID: "t1", Type: "w", Category: "Poetry", PromoTitle: "Launch"},
		models.Task{ID: "t2", Type: "w"},
	)
	if _, err := src.InsertClaim(ctx, "alice", "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := src.UpdateClaimStatus(ctx, "alice", "t1", models.ClaimStatusInProgress, models.FieldStartedAt); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.jsonl")
	if err := src.ExportSnapshot(ctx, path); err != nil {
		t.Fatal(err)
	}

	dst := newTestDB(t)
	if err := dst.ImportSnapshot(ctx, path); err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}

	task, err := dst.FetchTask(ctx, "t1")
	if err != nil {
		t.Fatalf("Imported task missing: %v", err)
	}
	if !task.IsClaimed || task.PromoTitle != "Launch" {
		t.Errorf("Unexpected imported task: %+v", task)
	}

	claims, err := dst.FetchClaims(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 || claims[0].Status != models.ClaimStatusInProgress || claims[0].StartedAt == nil {
		t.Fatalf("Unexpected imported claims: %+v", claims)
	}

	// Importing twice overwrites instead of duplicating.
	if err := dst.ImportSnapshot(ctx, path); err != nil {
		t.Fatalf("Second import failed: %v", err)
	}
	claims, _ = dst.FetchClaims(ctx, "alice")
	if len(claims) != 1 {
		t.Errorf("Expected 1 claim after re-import, got %d", len(claims))
	}
}

func TestImportCatalog(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "catalog.jsonl")
	content := `{"id":"a","type":"w","category":"Poetry"}
{"id":"b","type":"code","difficulty":"medium"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := db.ImportCatalog(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportCatalog failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 imported tasks, got %d", n)
	}
	task, err := db.FetchTask(context.Background(), "b")
	if err != nil || task.Difficulty != models.DifficultyMedium {
		t.Errorf("Unexpected task b: %+v (%v)", task, err)
	}
}

func TestAutoSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	snapshotPath := filepath.Join(t.TempDir(), "auto-snapshot.jsonl")
	db.EnableAutoSnapshot(snapshotPath)

	if err := db.CreateTask(ctx, &models.Task{ID: "t1", Type: "w"}); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	info, err := os.Stat(snapshotPath)
	if err != nil {
		t.Fatalf("Snapshot file was not created after CreateTask: %v", err)
	}
	modTime1 := info.ModTime()

	// Ensure some time passes so mod time definitely changes if it's updated
	time.Sleep(10 * time.Millisecond)

	if _, err := db.InsertClaim(ctx, "alice", "t1"); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(snapshotPath)
	if !info.ModTime().After(modTime1) {
		t.Errorf("Snapshot file was not updated after InsertClaim")
	}
	if n := len(readSnapshotLines(t, snapshotPath)); n != 2 {
		t.Errorf("Expected task and claim lines, got %d", n)
	}

	db.DisableOnChange()
	if err := db.DeleteClaim(ctx, "alice", "t1"); err != nil {
		t.Fatal(err)
	}
	if n := len(readSnapshotLines(t, snapshotPath)); n != 2 {
		t.Errorf("Expected snapshot untouched while disabled, got %d lines", n)
	}
}
