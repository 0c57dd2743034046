package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	snapshotKey = "features:snapshot:engine"
	snapshotTTL = 24 * time.Hour
)

// SaveSnapshotJSON stores the engine snapshot, replacing the previous one.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if err := w.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", snapshotKey, err)
	}
	return nil
}

// ReadLatestSnapshotJSON loads the stored snapshot. Returns nil, nil if
// none exists or it expired.
func (w *Writer) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := w.client.Get(ctx, snapshotKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", snapshotKey, err)
	}
	return data, nil
}
