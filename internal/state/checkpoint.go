package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CheckpointKey = "strategy:checkpoint"

// Checkpoint is the last persisted step of an open or close sequence.
// Quantities are decimal strings.
type Checkpoint struct {
	Step        string `json:"step"`
	Asset       string `json:"asset"`
	Phase       string `json:"phase"`
	SpotOpen    bool   `json:"spot_open"`
	PerpOpen    bool   `json:"perp_open"`
	SpotQty     string `json:"spot_qty,omitempty"`
	PerpQty     string `json:"perp_qty,omitempty"`
	Detail      string `json:"detail,omitempty"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

func LoadCheckpoint(ctx context.Context, store Store) (Checkpoint, bool, error) {
	if store == nil {
		return Checkpoint{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CheckpointKey)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return Checkpoint{}, false, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func SaveCheckpoint(ctx context.Context, store Store, cp Checkpoint) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return store.Set(ctx, CheckpointKey, string(payload))
}
