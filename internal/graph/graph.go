package graph

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("node not found")

// NoParent is the parent handle of root nodes.
const NoParent = ""

// Kind discriminates the Node variants.
type Kind uint8

const (
	File Kind = iota
	Folder
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Folder:
		return "folder"
	default:
		return "unknown"
	}
}

// ShareState is a bit set of share relationships on a node.
type ShareState uint8

const (
	Outbound ShareState = 1 << iota
	InboundRoot
	PublicLink
	TakenDown
	FileRequest
)

// Has reports whether every flag in f is set.
func (s ShareState) Has(f ShareState) bool {
	return s&f == f
}

func (s ShareState) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag ShareState
		name string
	}{
		{Outbound, "outbound"},
		{InboundRoot, "inbound"},
		{PublicLink, "link"},
		{TakenDown, "takendown"},
		{FileRequest, "request"},
	} {
		if s.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// FileAttrs holds the fields only files carry.
type FileAttrs struct {
	Size      int64
	Versioned bool // superseded version, hidden from listings
}

// FolderAttrs holds the fields only folders carry.
type FolderAttrs struct {
	// ChildCount as reported remotely. Informational: the adjacency index
	// is what listings iterate.
	ChildCount int
}

// Node is a tagged union over files and folders. Exactly one of File and
// Folder is non-nil; the remaining fields form the shared envelope.
type Node struct {
	Handle    string
	Parent    string // NoParent for roots
	Timestamp int64
	Name      string
	// MissingKeys is set while the name cannot be decrypted. Name is
	// meaningless in that state.
	MissingKeys bool
	Share       ShareState
	Owner       string

	File   *FileAttrs
	Folder *FolderAttrs
}

// NewFile returns a file node with the given envelope fields.
func NewFile(handle, parent, name string, ts int64) *Node {
	return &Node{Handle: handle, Parent: parent, Name: name, Timestamp: ts, File: &FileAttrs{}}
}

// NewFolder returns a folder node with the given envelope fields.
func NewFolder(handle, parent, name string, ts int64) *Node {
	return &Node{Handle: handle, Parent: parent, Name: name, Timestamp: ts, Folder: &FolderAttrs{}}
}

// Kind reports which variant is populated.
func (n *Node) Kind() Kind {
	if n.Folder != nil {
		return Folder
	}
	return File
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool {
	return n.Folder != nil
}

// Named reports whether the node has a resolvable name.
func (n *Node) Named() bool {
	return !n.MissingKeys && n.Name != ""
}

// Versioned reports whether n is a superseded file version.
func (n *Node) Versioned() bool {
	return n.File != nil && n.File.Versioned
}

// Size returns the file size, or zero for folders.
func (n *Node) Size() int64 {
	if n.File != nil {
		return n.File.Size
	}
	return 0
}

// SetKind switches the variant, discarding variant fields when it changes.
func (n *Node) SetKind(k Kind) {
	switch k {
	case Folder:
		if n.Folder == nil {
			n.Folder = &FolderAttrs{}
		}
		n.File = nil
	default:
		if n.File == nil {
			n.File = &FileAttrs{}
		}
		n.Folder = nil
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := *n
	if n.File != nil {
		f := *n.File
		c.File = &f
	}
	if n.Folder != nil {
		d := *n.Folder
		c.Folder = &d
	}
	return &c
}
