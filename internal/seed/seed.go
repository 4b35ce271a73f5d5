// Package seed reads catalog task lists from JSONL or YAML files.
package seed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ldi/claimdeck/pkg/models"
)

// Document is the YAML seed layout. A bare list of tasks is accepted too.
type Document struct {
	Tasks []models.Task `yaml:"tasks"`
}

// ReadFile picks a decoder from the file extension: .yaml and .yml are
// YAML, anything else is JSONL.
func ReadFile(path string) ([]models.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadYAML(f)
	default:
		return ReadJSONL(f)
	}
}

// ReadJSONL reads one task per line. Blank lines are skipped, and lines
// carrying a record_type other than "task" are ignored so that snapshot
// exports can be re-imported as a catalog.
func ReadJSONL(r io.Reader) ([]models.Task, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var tasks []models.Task
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var header struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal([]byte(line), &header); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if header.RecordType != "" && header.RecordType != "task" {
			continue
		}

		var t models.Task
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := normalize(&t); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return tasks, nil
}

func ReadYAML(r io.Reader) ([]models.Task, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var list []models.Task
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			return nil, fmt.Errorf("failed to parse yaml seed: %w", err)
		}
		doc.Tasks = list
	}

	for i := range doc.Tasks {
		if err := normalize(&doc.Tasks[i]); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	return doc.Tasks, nil
}

func normalize(t *models.Task) error {
	t.ID = strings.TrimSpace(t.ID)
	t.Type = strings.TrimSpace(t.Type)
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task %s: type is required", t.ID)
	}
	t.Difficulty = models.ParseDifficulty(string(t.Difficulty))
	if t.BoostMultiplier == 0 {
		t.BoostMultiplier = 1
	}
	t.IsClaimed = false
	return nil
}
