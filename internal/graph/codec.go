package graph

import (
	"encoding/json"
	"errors"
	"fmt"
)

// record is the persisted form of a Node in the durable node table.
type record struct {
	Handle      string `json:"h"`
	Parent      string `json:"p,omitempty"`
	Kind        Kind   `json:"t"`
	Timestamp   int64  `json:"ts"`
	Name        string `json:"n,omitempty"`
	MissingKeys bool   `json:"mk,omitempty"`
	Share       uint8  `json:"sh,omitempty"`
	Owner       string `json:"u,omitempty"`
	Size        int64  `json:"s,omitempty"`
	Versioned   bool   `json:"v,omitempty"`
	ChildCount  int    `json:"cc,omitempty"`
}

// Encode serializes n for the durable node table.
func Encode(n *Node) ([]byte, error) {
	r := record{
		Handle:      n.Handle,
		Parent:      n.Parent,
		Kind:        n.Kind(),
		Timestamp:   n.Timestamp,
		Name:        n.Name,
		MissingKeys: n.MissingKeys,
		Share:       uint8(n.Share),
		Owner:       n.Owner,
	}
	if n.File != nil {
		r.Size = n.File.Size
		r.Versioned = n.File.Versioned
	}
	if n.Folder != nil {
		r.ChildCount = n.Folder.ChildCount
	}
	return json.Marshal(r)
}

// Decode parses a record written by Encode.
func Decode(data []byte) (*Node, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode node record: %w", err)
	}
	if r.Handle == "" {
		return nil, errors.New("decode node record: empty handle")
	}
	n := &Node{
		Handle:      r.Handle,
		Parent:      r.Parent,
		Timestamp:   r.Timestamp,
		Name:        r.Name,
		MissingKeys: r.MissingKeys,
		Share:       ShareState(r.Share),
		Owner:       r.Owner,
	}
	switch r.Kind {
	case Folder:
		n.Folder = &FolderAttrs{ChildCount: r.ChildCount}
	case File:
		n.File = &FileAttrs{Size: r.Size, Versioned: r.Versioned}
	default:
		return nil, fmt.Errorf("decode node record %s: unknown kind %d", r.Handle, r.Kind)
	}
	return n, nil
}
