// Package feed turns wire-format delta batches into api.DeltaBatch values.
// Records are decoded one by one so a malformed entry is reported on its
// own without discarding the rest of the batch.
package feed

import (
	"errors"
	"fmt"
	"math"

	"github.com/agentic-research/treemirror/api"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var (
	seqPath    = jp.MustParseString("$.sn")
	recordPath = jp.MustParseString("$.a[*]")
)

// ErrNotBatch is returned when the payload parses but is not a batch object.
var ErrNotBatch = errors.New("payload is not a delta batch")

// RecordError reports a record that could not be decoded.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	if e.Index == WholeBatch {
		return e.Err.Error()
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}
func (e RecordError) Unwrap() error { return e.Err }

// WholeBatch is the RecordError index used when the entire document was
// rejected.
const WholeBatch = -1

// Decoded is a batch plus the records rejected while decoding it.
type Decoded struct {
	Batch    api.DeltaBatch
	Rejected []RecordError
}

// Unusable reports whether the document was rejected as a whole, leaving
// nothing to apply.
func (d Decoded) Unusable() bool {
	for _, r := range d.Rejected {
		if r.Index == WholeBatch {
			return true
		}
	}
	return false
}

// DecodeBatch parses one batch document. The error is non-nil only when
// the document as a whole is unusable.
func DecodeBatch(data []byte) (Decoded, error) {
	root, err := oj.Parse(data)
	if err != nil {
		return Decoded{}, fmt.Errorf("parse batch: %w", err)
	}
	if _, ok := root.(map[string]any); !ok {
		return Decoded{}, ErrNotBatch
	}

	var out Decoded
	if v := seqPath.First(root); v != nil {
		s, ok := v.(string)
		if !ok {
			return Decoded{}, fmt.Errorf("%w: sn is %T", ErrNotBatch, v)
		}
		out.Batch.Seq = s
	}

	records := recordPath.Get(root)
	out.Batch.Deltas = make([]api.NodeDelta, 0, len(records))
	for i, r := range records {
		d, err := decodeDelta(r)
		if err != nil {
			out.Rejected = append(out.Rejected, RecordError{Index: i, Err: err})
			continue
		}
		out.Batch.Deltas = append(out.Batch.Deltas, d)
	}
	return out, nil
}

func decodeDelta(v any) (api.NodeDelta, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return api.NodeDelta{}, fmt.Errorf("record is %T, want object", v)
	}
	f := fields{rec: rec}

	var d api.NodeDelta
	h := f.str("h")
	if h == nil || *h == "" {
		f.fail("h", errors.New("missing handle"))
	} else {
		d.Handle = *h
	}
	d.Parent = f.str("p")
	if k := f.num("t"); k != nil {
		kind := api.NodeKind(*k)
		if kind != api.KindFile && kind != api.KindFolder {
			f.fail("t", fmt.Errorf("unknown kind %d", *k))
		}
		d.Kind = &kind
	}
	d.Name = f.str("name")
	d.Timestamp = f.num("ts")
	d.Size = f.num("s")
	d.Versioned = f.flag("ver")
	if sh := f.num("sh"); sh != nil {
		if *sh < 0 || *sh > math.MaxUint8 {
			f.fail("sh", fmt.Errorf("share flags %d out of range", *sh))
		} else {
			d.Share = api.Ptr(uint8(*sh))
		}
	}
	d.Owner = f.str("u")
	if cc := f.num("cc"); cc != nil {
		d.ChildCount = api.Ptr(int(*cc))
	}
	if del := f.flag("del"); del != nil {
		d.Tombstone = *del
	}
	if why := f.str("why"); why != nil {
		d.Reason = *why
	}
	return d, f.err
}

// fields reads typed optional values from a parsed record, keeping the
// first type error.
type fields struct {
	rec map[string]any
	err error
}

func (f *fields) fail(key string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (f *fields) str(key string) *string {
	v, ok := f.rec[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		f.fail(key, fmt.Errorf("got %T, want string", v))
		return nil
	}
	return &s
}

func (f *fields) num(key string) *int64 {
	v, ok := f.rec[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case int64:
		return &n
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			f.fail(key, fmt.Errorf("%v is not an integer", n))
			return nil
		}
		i := int64(n)
		return &i
	default:
		f.fail(key, fmt.Errorf("got %T, want number", v))
		return nil
	}
}

func (f *fields) flag(key string) *bool {
	v, ok := f.rec[key]
	if !ok || v == nil {
		return nil
	}
	switch b := v.(type) {
	case bool:
		return &b
	case int64:
		// Flags are sometimes sent as 0/1.
		t := b != 0
		return &t
	default:
		f.fail(key, fmt.Errorf("got %T, want bool", v))
		return nil
	}
}
