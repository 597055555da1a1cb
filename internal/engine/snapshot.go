package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/signals"
)

const snapshotVersion = 1

// Snapshot is the persisted attached-indicator set. Candles and derived
// series are not part of it; they are reloaded and recomputed.
type Snapshot struct {
	Version    int              `json:"version"`
	Instrument string           `json:"instrument"`
	Interval   model.Interval   `json:"interval"`
	Threshold  float64          `json:"threshold"`
	Mode       signals.Mode     `json:"mode"`
	Indicators []indicator.Spec `json:"indicators"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Snapshot captures the current configuration.
func (e *Engine) Snapshot() Snapshot {
	specs := e.Specs()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Version:    snapshotVersion,
		Instrument: e.cfg.Instrument,
		Interval:   e.cfg.Interval,
		Threshold:  e.agg.Threshold(),
		Mode:       e.agg.Mode(),
		Indicators: specs,
		CreatedAt:  e.now().UTC(),
	}
}

// Restore re-attaches every indicator in s under its saved handle and applies
// the saved threshold and interval. Indicators already attached under the
// same handle are kept.
func (e *Engine) Restore(s Snapshot) error {
	if s.Version != snapshotVersion {
		return fmt.Errorf("snapshot version %d (want %d): %w", s.Version, snapshotVersion, model.ErrConfiguration)
	}
	if s.Instrument != e.cfg.Instrument {
		return fmt.Errorf("snapshot for %q, engine runs %q: %w", s.Instrument, e.cfg.Instrument, model.ErrConfiguration)
	}
	if s.Interval != "" && s.Interval != e.Interval() {
		if err := e.ResetSeries(s.Interval); err != nil {
			return err
		}
	}
	if err := e.SetThreshold(s.Threshold); err != nil {
		return err
	}
	for _, spec := range s.Indicators {
		if _, ok := e.Indicator(Handle(spec.Handle)); ok {
			continue
		}
		if _, err := e.AttachSpec(spec); err != nil {
			return fmt.Errorf("restore %s %s: %w", spec.Kind, spec.Handle, err)
		}
	}
	return nil
}

// SaveSnapshot writes the current snapshot to store under the instrument key.
func (e *Engine) SaveSnapshot(ctx context.Context, store model.SnapshotStore) error {
	data, err := json.Marshal(e.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return store.SaveSnapshot(ctx, e.cfg.Instrument, data)
}

// RestoreFrom tries each store in order and restores the first snapshot
// found. It reports whether anything was restored.
func (e *Engine) RestoreFrom(ctx context.Context, stores ...model.SnapshotStore) (bool, error) {
	for _, st := range stores {
		if st == nil {
			continue
		}
		data, err := st.LoadSnapshot(ctx, e.cfg.Instrument)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			e.log.Warn("snapshot load failed, trying next store", slog.Any("err", err))
			continue
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			e.log.Warn("snapshot corrupt, trying next store", slog.Any("err", err))
			continue
		}
		if err := e.Restore(s); err != nil {
			return false, err
		}
		e.log.Info("snapshot restored",
			slog.Int("indicators", len(s.Indicators)),
			slog.Time("created_at", s.CreatedAt),
		)
		return true, nil
	}
	return false, nil
}
