package backfill

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"
)

// Checkpoint records progress through one backfill run so an interrupted run
// can resume past the assets it already covered.
type Checkpoint struct {
	RunID       string    `msgpack:"run_id"`
	AssetFilter string    `msgpack:"asset_filter"`
	LastIndex   int       `msgpack:"last_index"`
	UpdatedAt   time.Time `msgpack:"updated_at"`
}

// checkpointStore persists checkpoints as a msgpack file under the state dir.
// All writes are best-effort: a failed write is logged and the run continues.
type checkpointStore struct {
	path string
}

func newCheckpointStore(stateDir string) *checkpointStore {
	return &checkpointStore{path: filepath.Join(stateDir, "backfill.checkpoint")}
}

// Load returns the previous checkpoint, or nil when none exists or the file
// is unreadable. A corrupt checkpoint is treated as absent.
func (s *checkpointStore) Load() *Checkpoint {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logx.Errorf("backfill: read checkpoint %s: %v", s.path, err)
		}
		return nil
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(raw, &cp); err != nil {
		logx.Errorf("backfill: decode checkpoint %s: %v", s.path, err)
		return nil
	}
	return &cp
}

// Save writes the checkpoint atomically via a temp file rename.
func (s *checkpointStore) Save(cp Checkpoint) {
	if err := s.save(cp); err != nil {
		logx.Errorf("backfill: write checkpoint %s: %v", s.path, err)
	}
}

func (s *checkpointStore) save(cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := msgpack.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the checkpoint after a completed run.
func (s *checkpointStore) Clear() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logx.Errorf("backfill: remove checkpoint %s: %v", s.path, err)
	}
}
