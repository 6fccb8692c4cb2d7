package sinks

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

const kvPrefix = "outputs/"

// KVSink writes snapshots into a local badger database under "outputs/<key>".
// config.ttl (seconds) expires the entry.
type KVSink struct {
	db *badger.DB
}

// OpenKVSink opens (or creates) the badger directory. An empty dir opens an in-memory store.
func OpenKVSink(dir string) (*KVSink, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSink, "open kv store: %s", err.Error()).WithCause(err)
	}
	return &KVSink{db: db}, nil
}

func (k *KVSink) Store(_ context.Context, target engine.OutputTarget, payload any) error {
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "output is not JSON-serializable: %s", err.Error()).WithCause(err)
	}

	entry := badger.NewEntry([]byte(kvPrefix+outputKey(target)), raw)
	if ttl := ttlSeconds(target.Config["ttl"]); ttl > 0 {
		entry = entry.WithTTL(time.Duration(ttl) * time.Second)
	}
	err = k.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSink, "kv write: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Get returns the raw snapshot stored under key (without the prefix).
func (k *KVSink) Get(key string) ([]byte, error) {
	var out []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(kvPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "output not found: %s", key)
	}
	return out, err
}

// Keys lists stored keys (without the prefix) in key order.
func (k *KVSink) Keys() ([]string, error) {
	var keys []string
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(kvPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (k *KVSink) Close() error {
	return k.db.Close()
}

func ttlSeconds(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
