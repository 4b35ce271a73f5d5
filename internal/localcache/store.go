// Package localcache persists versioned client snapshots between runs.
// Nothing stored here is authoritative; every reader must tolerate a miss.
package localcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ldi/claimdeck/pkg/models"
)

// Store is a namespaced blob store. Get reports ok=false for a missing
// namespace.
type Store interface {
	Get(ctx context.Context, namespace string) (blob []byte, ok bool, err error)
	Set(ctx context.Context, namespace string, blob []byte) error
}

// MemStore keeps blobs in memory. Useful in tests and for ephemeral sessions.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, namespace string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[namespace]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemStore) Set(_ context.Context, namespace string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[namespace] = append([]byte(nil), blob...)
	return nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll and
// DecodeAll calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("localcache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("localcache: zstd decoder initialization failed: " + err.Error())
	}
}

// FileStore writes one zstd-compressed file per namespace under Dir.
// Writes are atomic; concurrent writers to one namespace are last-writer-wins.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(namespace string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, namespace)
	return filepath.Join(s.Dir, name+".json.zst")
}

func (s *FileStore) Get(_ context.Context, namespace string) ([]byte, bool, error) {
	compressed, err := os.ReadFile(s.path(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache %s: %w", namespace, err)
	}

	blob, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, models.Wrap(models.ErrCacheCorrupt, "", fmt.Errorf("%s: %w", namespace, err))
	}
	return blob, true, nil
}

func (s *FileStore) Set(_ context.Context, namespace string, blob []byte) error {
	tmp, err := os.CreateTemp(s.Dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(zstdEncoder.EncodeAll(blob, nil)); err != nil {
		return fmt.Errorf("failed to write cache %s: %w", namespace, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	name := tmp.Name()
	tmp = nil
	if err := os.Rename(name, s.path(namespace)); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}
