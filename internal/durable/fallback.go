package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// FallbackPrefix namespaces every key the flat scheme writes.
const FallbackPrefix = "tmirror:"

const (
	auxPrefix  = FallbackPrefix + "kv:"
	nodePrefix = FallbackPrefix + "node:"
)

// KV is the minimal synchronous key-value surface the flat scheme needs.
// Values are text.
type KV interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
	Close() error
}

// FlatStore implements Store over a KV. Enumerate and ScanNodes are linear
// scans of the matching keys; every page of a node scan costs O(n).
type FlatStore struct {
	kv  KV
	log *zap.Logger
}

type flatNode struct {
	Timestamp int64  `json:"ts"`
	Record    string `json:"r"`
}

// NewFlatStore lays the flat key scheme over kv. A nil log discards output.
func NewFlatStore(kv KV, log *zap.Logger) *FlatStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FlatStore{kv: kv, log: log}
}

// Get returns the auxiliary record at key, or ErrNotFound.
func (s *FlatStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok, err := s.kv.Get(auxPrefix + key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Set writes the auxiliary record at key.
func (s *FlatStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Put(auxPrefix+key, string(value)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the auxiliary record at key. Missing keys are not an error.
func (s *FlatStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(auxPrefix + key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Enumerate lists auxiliary records under prefix, sorted by key.
func (s *FlatStore) Enumerate(ctx context.Context, prefix string, includeValues bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys()
	if err != nil {
		return nil, fmt.Errorf("enumerate %q: %w", prefix, err)
	}
	full := auxPrefix + prefix
	var out []Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, full) {
			continue
		}
		e := Entry{Key: strings.TrimPrefix(k, auxPrefix)}
		if includeValues {
			v, ok, err := s.kv.Get(k)
			if err != nil {
				return nil, fmt.Errorf("enumerate %q: %w", prefix, err)
			}
			if !ok {
				continue // deleted between Keys and Get
			}
			e.Value = []byte(v)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PutNodes upserts recs one key at a time. A failure leaves earlier
// records written.
func (s *FlatStore) PutNodes(ctx context.Context, recs []NodeRecord) error {
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(flatNode{Timestamp: r.Timestamp, Record: string(r.Value)})
		if err != nil {
			return fmt.Errorf("encode node %s: %w", r.Handle, err)
		}
		if err := s.kv.Put(nodePrefix+r.Handle, string(data)); err != nil {
			return fmt.Errorf("put node %s: %w", r.Handle, err)
		}
	}
	return nil
}

// DeleteNodes removes the node records for handles.
func (s *FlatStore) DeleteNodes(ctx context.Context, handles []string) error {
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.kv.Delete(nodePrefix + h); err != nil {
			return fmt.Errorf("delete node %s: %w", h, err)
		}
	}
	return nil
}

// ScanNodes reads every node key, filters by req and sorts. Undecodable
// records are logged and skipped.
func (s *FlatStore) ScanNodes(ctx context.Context, req ScanRequest) ([]NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys()
	if err != nil {
		return nil, fmt.Errorf("scan nodes: %w", err)
	}

	var out []NodeRecord
	for _, k := range keys {
		if !strings.HasPrefix(k, nodePrefix) {
			continue
		}
		handle := strings.TrimPrefix(k, nodePrefix)
		v, ok, err := s.kv.Get(k)
		if err != nil {
			return nil, fmt.Errorf("scan node %s: %w", handle, err)
		}
		if !ok {
			continue
		}
		var fn flatNode
		if err := json.Unmarshal([]byte(v), &fn); err != nil {
			s.log.Warn("skipping corrupt fallback node record", zap.String("handle", handle), zap.Error(err))
			continue
		}
		r := NodeRecord{Handle: handle, Timestamp: fn.Timestamp, Value: []byte(fn.Record)}
		if req.admits(CursorOf(r)) {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if req.Descending {
			return CursorOf(out[j]).Less(CursorOf(out[i]))
		}
		return CursorOf(out[i]).Less(CursorOf(out[j]))
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// ClearNodes removes every node record and keeps auxiliary records.
func (s *FlatStore) ClearNodes(ctx context.Context) error {
	keys, err := s.kv.Keys()
	if err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, nodePrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.kv.Delete(k); err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}
	}
	return nil
}

// Close closes the underlying KV.
func (s *FlatStore) Close() error {
	return s.kv.Close()
}

var _ Store = (*FlatStore)(nil)
