// Package wal provides the write-ahead audit log and the fencing-token
// store. WAL appends are best-effort at call sites: failures are logged,
// never propagated, unless a component marks them fatal (the budget
// enforcer's fail-closed mode does).
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Appender is the WAL port. Implementations must be safe for concurrent use.
type Appender interface {
	Append(ctx context.Context, namespace, operation, key string, payload map[string]interface{}) (entryID string, err error)
}

// Entry is one durable audit record.
type Entry struct {
	EntryID   string                 `json:"entry_id"`
	Namespace string                 `json:"namespace"`
	Operation string                 `json:"operation"`
	Key       string                 `json:"key"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// FileWAL appends entries to a single JSONL file, serialized by a mutex.
type FileWAL struct {
	mu     sync.Mutex
	path   string
	logger *log.Logger
}

// NewFileWAL creates the WAL file's directory if needed.
func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	return &FileWAL{
		path:   path,
		logger: log.New(log.Writer(), "[WAL] ", log.LstdFlags),
	}, nil
}

// Append writes one entry and returns its id.
func (w *FileWAL) Append(ctx context.Context, namespace, operation, key string, payload map[string]interface{}) (string, error) {
	entry := Entry{
		EntryID:   uuid.NewString(),
		Namespace: namespace,
		Operation: operation,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal wal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append wal: %w", err)
	}
	return entry.EntryID, nil
}

// BestEffort appends and swallows the error, logging it instead.
func BestEffort(w Appender, ctx context.Context, namespace, operation, key string, payload map[string]interface{}) {
	if w == nil {
		return
	}
	if _, err := w.Append(ctx, namespace, operation, key, payload); err != nil {
		log.Printf("[WAL] append failed (namespace=%s op=%s key=%s): %v", namespace, operation, key, err)
	}
}

// NopWAL discards every append. Used by tests and minimal deployments.
type NopWAL struct{}

func (NopWAL) Append(context.Context, string, string, string, map[string]interface{}) (string, error) {
	return "", nil
}
