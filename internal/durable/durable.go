// Package durable is the persistent side of the mirror: a node table
// range-queryable by (timestamp, handle) and a small string-keyed table for
// session and preference records.
//
// Two backends implement Store. The primary is SQLite. When it cannot be
// opened, Open falls back to a flat namespaced key scheme over a plain
// key-value surface (bbolt on disk, or memory). Keys in the fallback are
// prefixed with FallbackPrefix:
//
//	tmirror:kv:<key>        auxiliary record, value is the JSON text
//	tmirror:node:<handle>   node record, value is {"ts":<int>,"r":"<record>"}
//
// The prefix is fixed so data written by one backend generation stays
// readable by the next.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("durable: key not found")
	ErrUnavailable = errors.New("durable: no backend available")
)

// Store is implemented by every backend. All methods are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Enumerate lists auxiliary records whose key starts with prefix, in key
	// order. Values are only populated when includeValues is set.
	Enumerate(ctx context.Context, prefix string, includeValues bool) ([]Entry, error)

	PutNodes(ctx context.Context, recs []NodeRecord) error
	DeleteNodes(ctx context.Context, handles []string) error
	ScanNodes(ctx context.Context, req ScanRequest) ([]NodeRecord, error)
	ClearNodes(ctx context.Context) error

	Close() error
}

// Entry is one auxiliary record.
type Entry struct {
	Key   string
	Value []byte
}

// NodeRecord is one row of the node table. Value is opaque to the store.
type NodeRecord struct {
	Handle    string
	Timestamp int64
	Value     []byte
}

// Cursor addresses a position in the node table's (timestamp, handle) order.
type Cursor struct {
	Timestamp int64
	Handle    string
}

// Less orders cursors by timestamp, then handle.
func (c Cursor) Less(o Cursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	return c.Handle < o.Handle
}

// CursorOf returns the position of r.
func CursorOf(r NodeRecord) Cursor {
	return Cursor{Timestamp: r.Timestamp, Handle: r.Handle}
}

// ScanRequest selects one page of the node table.
type ScanRequest struct {
	// After is an exclusive bound: ascending scans return records after it,
	// descending scans records before it. Nil starts at the table boundary
	// (minimum for ascending, maximum for descending).
	After      *Cursor
	Descending bool
	Limit      int
}

func (r ScanRequest) admits(c Cursor) bool {
	if r.After == nil {
		return true
	}
	if r.Descending {
		return c.Less(*r.After)
	}
	return r.After.Less(c)
}

// GetJSON decodes the auxiliary record under key into out.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v as JSON under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
