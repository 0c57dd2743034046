package featengine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tradefeatures/internal/feature"
)

// restoreEngine loads the newest snapshot from the first store that has one
// (Redis, then SQLite) and restores the aggregator from it. A missing or
// unreadable snapshot means a cold start.
func (svc *Service) restoreEngine(ctx context.Context) error {
	for _, s := range svc.snapStores {
		data, err := s.store.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			log.Printf("[featengine] %s snapshot read error: %v", s.name, err)
			continue
		}
		if data == nil {
			continue
		}

		var snap feature.EngineSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Printf("[featengine] %s snapshot decode error: %v", s.name, err)
			continue
		}
		if err := svc.agg.Restore(&snap); err != nil {
			return err
		}
		log.Printf("[featengine] restored %d instruments from %s snapshot (features %v)",
			len(snap.Instruments), s.name, snap.Features)
		return nil
	}

	log.Println("[featengine] no snapshot found, starting cold")
	return nil
}

// snapshotLoop periodically saves engine state to every snapshot store.
func (svc *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.saveSnapshot(ctx)
		}
	}
}

// saveSnapshot captures the aggregator and writes it to every store.
// Failures are logged and counted; they never stop the pipeline.
func (svc *Service) saveSnapshot(ctx context.Context) {
	if len(svc.snapStores) == 0 {
		return
	}

	snap, err := svc.agg.Snapshot()
	if err != nil {
		log.Printf("[featengine] snapshot error: %v", err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[featengine] snapshot encode error: %v", err)
		return
	}

	for _, s := range svc.snapStores {
		if err := s.store.SaveSnapshotJSON(ctx, data); err != nil {
			log.Printf("[featengine] %s snapshot write error: %v", s.name, err)
			svc.prom.SnapshotSaves.WithLabelValues(s.name, "error").Inc()
			continue
		}
		svc.prom.SnapshotSaves.WithLabelValues(s.name, "ok").Inc()
	}
	log.Printf("[featengine] ✅ checkpoint saved (%d instruments)", len(snap.Instruments))
}
