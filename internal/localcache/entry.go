package localcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ldi/claimdeck/pkg/models"
)

// Entry wraps a cached payload with the metadata needed to reject it.
type Entry[T any] struct {
	Version   int       `json:"version"`
	Namespace string    `json:"namespace"`
	WrittenAt time.Time `json:"written_at"`
	Payload   T         `json:"payload"`
}

// Save encodes payload under namespace.
func Save[T any](ctx context.Context, s Store, namespace string, version int, at time.Time, payload T) error {
	blob, err := json.Marshal(Entry[T]{
		Version:   version,
		Namespace: namespace,
		WrittenAt: at,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache %s: %w", namespace, err)
	}
	return s.Set(ctx, namespace, blob)
}

// Load returns the entry stored under namespace. A missing entry, or one
// written with a different version or namespace, is a miss (ok=false, nil
// error). An undecodable entry is reported as ErrCacheCorrupt; callers log
// it and treat it as a miss.
func Load[T any](ctx context.Context, s Store, namespace string, version int) (Entry[T], bool, error) {
	var entry Entry[T]
	blob, ok, err := s.Get(ctx, namespace)
	if err != nil || !ok {
		return entry, false, err
	}

	if err := json.Unmarshal(blob, &entry); err != nil {
		return Entry[T]{}, false, models.Wrap(models.ErrCacheCorrupt, "", fmt.Errorf("%s: %w", namespace, err))
	}
	if entry.Version != version || entry.Namespace != namespace {
		return Entry[T]{}, false, nil
	}
	return entry, true, nil
}
