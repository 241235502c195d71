package api

// NodeKind is the wire encoding of a node variant.
type NodeKind int

const (
	KindFile   NodeKind = 0
	KindFolder NodeKind = 1
)

// Share flags carried in NodeDelta.Share.
const (
	ShareOutbound    uint8 = 1 << iota // folder shared with other users
	ShareInboundRoot                   // root of a folder shared with us
	SharePublicLink                    // exported via public link
	ShareTakenDown                     // link disabled by the remote authority
	ShareFileRequest                   // folder accepts anonymous uploads
)

// NodeDelta is one incremental instruction from the remote delta feed.
// Pointer fields are optional: nil means "not present in this delta" and
// leaves the locally stored value untouched.
type NodeDelta struct {
	// Handle of the node this delta touches. Required.
	Handle string `json:"h"`
	// Parent handle. Empty string means root.
	Parent *string `json:"p,omitempty"`
	// Kind of node. Required when the handle is new.
	Kind *NodeKind `json:"t,omitempty"`
	// Name is absent when decryption keys are unavailable.
	Name *string `json:"name,omitempty"`
	// Timestamp assigned by the remote authority.
	Timestamp *int64 `json:"ts,omitempty"`
	// Size in bytes (files only).
	Size *int64 `json:"s,omitempty"`
	// Versioned marks a superseded file version.
	Versioned *bool `json:"ver,omitempty"`
	// Share is a bit set of Share* flags.
	Share *uint8 `json:"sh,omitempty"`
	// Owner is the user handle owning the node.
	Owner *string `json:"u,omitempty"`
	// ChildCount is informational (folders only).
	ChildCount *int `json:"cc,omitempty"`
	// Tombstone removes the node.
	Tombstone bool `json:"del,omitempty"`
	// Reason accompanies a tombstone.
	Reason string `json:"why,omitempty"`
}

// DeltaBatch is the unit in which deltas arrive.
type DeltaBatch struct {
	// Seq is the feed position after this batch. Optional.
	Seq    string      `json:"sn,omitempty"`
	Deltas []NodeDelta `json:"a"`
}

// Ptr returns a pointer to v. Handy for building deltas in code and tests.
func Ptr[T any](v T) *T {
	return &v
}
