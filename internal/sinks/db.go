package sinks

import (
	"context"
	"time"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// OutputStore is the slice of store.Store the db backend writes through.
type OutputStore interface {
	PutOutput(ctx context.Context, out *store.StoredOutput) error
}

// DBSink upserts snapshots into the stored_outputs table.
type DBSink struct {
	store OutputStore
}

func NewDBSink(s OutputStore) *DBSink {
	return &DBSink{store: s}
}

func (d *DBSink) Store(ctx context.Context, target engine.OutputTarget, payload any) error {
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "output is not JSON-serializable: %s", err.Error()).WithCause(err)
	}
	err = d.store.PutOutput(ctx, &store.StoredOutput{
		Key:         outputKey(target),
		ExecutionID: target.ExecutionID,
		NodeID:      target.NodeID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "store output: %s", err.Error()).WithCause(err)
	}
	return nil
}
