// ABOUTME: Per-device baselines (min-merge) and per-conversation delete cutoffs (max-merge)
// ABOUTME: Together they define the floor below which a device sees no messages

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const baselineQuery = `SELECT created_at_ms FROM device_state WHERE uid = ? AND device_id = ?`

// Baseline is the result of EnsureBaseline.
type Baseline struct {
	CreatedAtMs int64 `json:"createdAtMs"`
	Inserted    bool  `json:"inserted"`
}

// CutoffMap holds every delete cutoff one device has set, by conversation kind.
type CutoffMap struct {
	Private map[int64]int64
	Group   map[int64]int64
}

// Get returns the cutoff for target, or 0.
func (m CutoffMap) Get(t Target) int64 {
	if t.Type == TargetGroup {
		return m.Group[t.UID]
	}
	return m.Private[t.UID]
}

// EnsureBaseline records that the device existed at observedMs. A baseline
// only ever moves earlier. Inserted is true on first sight of the device.
func (s *Store) EnsureBaseline(ctx context.Context, uid int64, deviceID string, observedMs int64) (Baseline, error) {
	var b Baseline
	err := s.with(ctx, func() error {
		var current int64
		found, err := s.stmts.QueryOne(ctx, "device.baseline.get", baselineQuery,
			[]any{uid, deviceID}, &current)
		if err != nil {
			return err
		}

		switch {
		case !found:
			b = Baseline{CreatedAtMs: observedMs, Inserted: true}
		case observedMs < current:
			b = Baseline{CreatedAtMs: observedMs}
		default:
			b = Baseline{CreatedAtMs: current}
			return nil
		}

		_, err = s.stmts.Run(ctx, "device.baseline.upsert", `
			INSERT INTO device_state (uid, device_id, created_at_ms) VALUES (?, ?, ?)
			ON CONFLICT (uid, device_id)
			DO UPDATE SET created_at_ms = MIN(created_at_ms, excluded.created_at_ms)
		`, uid, deviceID, observedMs)
		if err != nil {
			return err
		}
		s.markDirty(1)
		return nil
	})
	if err != nil {
		return Baseline{}, fmt.Errorf("ensuring device baseline: %w", err)
	}
	return b, nil
}

// GetBaseline returns the device baseline, or 0 if the device is unknown.
func (s *Store) GetBaseline(ctx context.Context, uid int64, deviceID string) (int64, error) {
	var ms int64
	err := s.with(ctx, func() error {
		var err error
		ms, err = s.baselineLocked(ctx, uid, deviceID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("getting device baseline: %w", err)
	}
	return ms, nil
}

// UpsertCutoff hides everything at or before cutoffMs in one conversation for
// one device. A cutoff only advances. Returns the effective cutoff.
func (s *Store) UpsertCutoff(ctx context.Context, uid int64, deviceID string, target Target, cutoffMs int64) (int64, error) {
	if !target.Type.Valid() {
		return 0, fmt.Errorf("%w: target type %q", ErrInvalid, target.Type)
	}

	var effective int64
	err := s.with(ctx, func() error {
		current, err := s.getCutoffLocked(ctx, uid, deviceID, target)
		if err != nil {
			return err
		}
		if cutoffMs <= current {
			effective = current
			return nil
		}

		_, err = s.stmts.Run(ctx, "cutoff.upsert", `
			INSERT INTO delete_cutoffs (uid, device_id, target_type, target_uid, cutoff_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (uid, device_id, target_type, target_uid)
			DO UPDATE SET cutoff_ms = MAX(cutoff_ms, excluded.cutoff_ms)
		`, uid, deviceID, string(target.Type), target.UID, cutoffMs)
		if err != nil {
			return err
		}
		effective = cutoffMs
		s.markDirty(1)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("setting delete cutoff: %w", err)
	}
	return effective, nil
}

// GetCutoff returns the delete cutoff for one conversation, or 0.
func (s *Store) GetCutoff(ctx context.Context, uid int64, deviceID string, target Target) (int64, error) {
	var ms int64
	err := s.with(ctx, func() error {
		var err error
		ms, err = s.getCutoffLocked(ctx, uid, deviceID, target)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("getting delete cutoff: %w", err)
	}
	return ms, nil
}

func (s *Store) getCutoffLocked(ctx context.Context, uid int64, deviceID string, target Target) (int64, error) {
	var ms int64
	_, err := s.stmts.QueryOne(ctx, "cutoff.get", `
		SELECT cutoff_ms FROM delete_cutoffs
		WHERE uid = ? AND device_id = ? AND target_type = ? AND target_uid = ?
	`, []any{uid, deviceID, string(target.Type), target.UID}, &ms)
	return ms, err
}

// LoadCutoffMap returns every cutoff the device has set.
func (s *Store) LoadCutoffMap(ctx context.Context, uid int64, deviceID string) (CutoffMap, error) {
	var m CutoffMap
	err := s.with(ctx, func() error {
		var err error
		m, err = s.loadCutoffMapLocked(ctx, uid, deviceID)
		return err
	})
	if err != nil {
		return CutoffMap{}, fmt.Errorf("loading delete cutoffs: %w", err)
	}
	return m, nil
}

func (s *Store) loadCutoffMapLocked(ctx context.Context, uid int64, deviceID string) (CutoffMap, error) {
	m := CutoffMap{
		Private: make(map[int64]int64),
		Group:   make(map[int64]int64),
	}
	err := s.stmts.QueryAll(ctx, "cutoff.list", `
		SELECT target_type, target_uid, cutoff_ms FROM delete_cutoffs
		WHERE uid = ? AND device_id = ?
	`, []any{uid, deviceID}, func(rows *sql.Rows) error {
		var (
			typ       TargetType
			targetUID int64
			ms        int64
		)
		if err := rows.Scan(&typ, &targetUID, &ms); err != nil {
			return err
		}
		if typ == TargetGroup {
			m.Group[targetUID] = ms
		} else {
			m.Private[targetUID] = ms
		}
		return nil
	})
	return m, err
}

// EffectiveFloor returns max(device baseline, conversation cutoff). Only
// messages created strictly after the floor are visible to the device.
func (s *Store) EffectiveFloor(ctx context.Context, uid int64, deviceID string, target Target) (int64, error) {
	var floor int64
	err := s.with(ctx, func() error {
		var err error
		floor, err = s.effectiveFloorLocked(ctx, uid, deviceID, target)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("resolving visibility floor: %w", err)
	}
	return floor, nil
}

func (s *Store) effectiveFloorLocked(ctx context.Context, uid int64, deviceID string, target Target) (int64, error) {
	var floor int64
	_, err := s.stmts.QueryOne(ctx, "floor.get", `
		SELECT MAX(
			COALESCE((SELECT created_at_ms FROM device_state
			          WHERE uid = ? AND device_id = ?), 0),
			COALESCE((SELECT cutoff_ms FROM delete_cutoffs
			          WHERE uid = ? AND device_id = ? AND target_type = ? AND target_uid = ?), 0)
		)
	`, []any{uid, deviceID, uid, deviceID, string(target.Type), target.UID}, &floor)
	return floor, err
}
