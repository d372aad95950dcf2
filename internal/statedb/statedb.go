// SPDX-License-Identifier: MIT

// Package statedb persists staging metadata and restart accounting on disk,
// so they outlast the agent process: StagedMedia.created_at/last_touched and
// each stream's restart counters. streammgr.Manager writes these records;
// nothing in the agent reads them back (the GC sweeper in internal/stage
// goes by directory mtime, and a new Manager starts its restart counters
// at zero).
package statedb

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/relaycast/agent/internal/streamtype"
)

// ErrNotFound is returned by Get for a stream id with no stored record.
var ErrNotFound = errors.New("statedb: not found")

// StreamMeta is the persisted record for one stream.
type StreamMeta struct {
	StreamID      streamtype.StreamID `json:"stream_id"`
	CreatedAt     time.Time           `json:"created_at"`
	LastTouched   time.Time           `json:"last_touched"`
	RestartCount  int                 `json:"restart_count"`
	TotalRestarts int                 `json:"total_restarts"`
}

// DB wraps an embedded Badger store keyed by "stream:<id>".
type DB struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger store rooted at path.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close releases the underlying Badger handles.
func (d *DB) Close() error { return d.db.Close() }

func metaKey(id streamtype.StreamID) []byte {
	return []byte("stream:" + strconv.FormatInt(int64(id), 10))
}

// Put writes meta in full, overwriting any existing record for its StreamID.
func (d *DB) Put(meta StreamMeta) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.StreamID), buf)
	})
}

// Get returns the stored record for id, or ErrNotFound if none exists.
func (d *DB) Get(id streamtype.StreamID) (StreamMeta, error) {
	var out StreamMeta
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return StreamMeta{}, ErrNotFound
	}
	if err != nil {
		return StreamMeta{}, err
	}
	return out, nil
}

// Touch records that id's staged media was freshly created (if no record
// exists yet) or touched again (if one does), at t. streammgr.Manager calls
// it when a stream reaches STREAMING.
func (d *DB) Touch(id streamtype.StreamID, t time.Time) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var meta StreamMeta
		item, err := txn.Get(metaKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			meta = StreamMeta{StreamID: id, CreatedAt: t}
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
		}
		meta.LastTouched = t
		buf, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(id), buf)
	})
}

// RecordRestart persists a stream's current fast-restart-window count and
// its all-time restart total, called alongside streammgr.Manager's own
// in-memory bookkeeping so it survives an agent restart.
func (d *DB) RecordRestart(id streamtype.StreamID, restartCount, totalRestarts int) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var meta StreamMeta
		item, err := txn.Get(metaKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			meta = StreamMeta{StreamID: id}
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
		}
		meta.RestartCount = restartCount
		meta.TotalRestarts = totalRestarts
		buf, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(id), buf)
	})
}

// Delete removes id's record entirely.
func (d *DB) Delete(id streamtype.StreamID) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(id))
	})
}

// List returns the stored record of every stream id that has one.
func (d *DB) List() ([]StreamMeta, error) {
	var out []StreamMeta
	prefix := []byte("stream:")
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta StreamMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}
