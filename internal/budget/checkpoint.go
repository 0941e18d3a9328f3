package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointSchemaVersion identifies the on-disk checkpoint format.
const CheckpointSchemaVersion = 1

// Checkpoint is the durable counter snapshot. It makes startup O(1): the
// enforcer restores counters from here instead of replaying the ledger.
type Checkpoint struct {
	SchemaVersion  int              `json:"schema_version"`
	UpdatedAt      string           `json:"updated_at"`
	Counters       map[string]int64 `json:"counters"`
	LedgerHeadLine int64            `json:"ledger_head_line"`
}

// writeCheckpoint persists atomically via temp-file + rename.
func writeCheckpoint(path string, counters map[string]int64, headLine int64) error {
	cp := Checkpoint{
		SchemaVersion:  CheckpointSchemaVersion,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Counters:       counters,
		LedgerHeadLine: headLine,
	}
	raw, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// readCheckpoint loads a checkpoint, returning an empty one when the file
// does not exist yet.
func readCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{SchemaVersion: CheckpointSchemaVersion, Counters: map[string]int64{}}, nil
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: parse: %w", err)
	}
	if cp.SchemaVersion != CheckpointSchemaVersion {
		return nil, fmt.Errorf("checkpoint: unsupported schema version %d", cp.SchemaVersion)
	}
	if cp.Counters == nil {
		cp.Counters = map[string]int64{}
	}
	return &cp, nil
}
