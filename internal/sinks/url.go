package sinks

import (
	"bytes"
	"context"
	"strings"

	"github.com/viant/afs"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// URLSink uploads snapshots to config.url through afs (file://, mem://, and the other registered schemes).
// A url ending in "/" is treated as a folder and gets "<execution>-<node>.json" appended.
type URLSink struct {
	fs afs.Service
}

func NewURLSink(fs afs.Service) *URLSink {
	if fs == nil {
		fs = afs.New()
	}
	return &URLSink{fs: fs}
}

func (u *URLSink) Store(ctx context.Context, target engine.OutputTarget, payload any) error {
	dest, _ := target.Config["url"].(string)
	if dest == "" {
		return schema.NewError(schema.ErrCodeSink, "url backend needs config.url")
	}
	if strings.HasSuffix(dest, "/") {
		dest += target.ExecutionID + "-" + target.NodeID + ".json"
	}

	raw, err := xjson.MarshalIndent(payload, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "output is not JSON-serializable: %s", err.Error()).WithCause(err)
	}
	if err := u.fs.Upload(ctx, dest, 0o644, bytes.NewReader(raw)); err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "upload output to %s: %s", dest, err.Error()).WithCause(err)
	}
	return nil
}
