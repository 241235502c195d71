package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutAndGet(t *testing.T) {
	s := NewStore()
	s.Put(NewFolder("AAAAAAAA", NoParent, "Cloud Drive", 1))
	s.Put(NewFile("BBBBBBBB", "AAAAAAAA", "x.txt", 2))

	n, ok := s.Get("BBBBBBBB")
	require.True(t, ok)
	assert.Equal(t, File, n.Kind())
	assert.Equal(t, "x.txt", n.Name)
	assert.Equal(t, []string{"BBBBBBBB"}, s.Children("AAAAAAAA"))
	assert.Equal(t, []string{"AAAAAAAA"}, s.Roots())
	assert.Equal(t, 2, s.Len())
	require.NoError(t, s.Verify())
}

func TestStore_PutMovesBetweenParents(t *testing.T) {
	s := NewStore()
	s.Put(NewFolder("A", NoParent, "root", 1))
	s.Put(NewFolder("B", "A", "sub", 2))
	s.Put(NewFile("C", "B", "x.txt", 3))

	moved := NewFile("C", "A", "x.txt", 3)
	s.Put(moved)

	assert.ElementsMatch(t, []string{"B", "C"}, s.Children("A"))
	assert.Empty(t, s.Children("B"))
	assert.Equal(t, 0, s.ChildCount("B"))
	require.NoError(t, s.Verify())
}

func TestStore_RemoveUnlinks(t *testing.T) {
	s := NewStore()
	s.Put(NewFolder("A", NoParent, "root", 1))
	s.Put(NewFile("C", "A", "x.txt", 3))

	n, ok := s.Remove("C")
	require.True(t, ok)
	assert.Equal(t, "C", n.Handle)
	assert.False(t, s.Has("C"))
	assert.Empty(t, s.Children("A"))

	_, ok = s.Remove("C")
	assert.False(t, ok)
	require.NoError(t, s.Verify())
}

func TestStore_Descendants(t *testing.T) {
	s := NewStore()
	s.Put(NewFolder("A", NoParent, "root", 1))
	s.Put(NewFolder("B", "A", "b", 2))
	s.Put(NewFolder("D", "B", "d", 3))
	s.Put(NewFile("E", "D", "e", 4))
	s.Put(NewFile("C", "A", "c", 5))

	assert.Equal(t, []string{"B", "C", "D", "E"}, s.Descendants("A"))
	assert.Equal(t, []string{"D", "E"}, s.Descendants("B"))
	assert.Empty(t, s.Descendants("E"))
}

func TestStore_ShareIndexes(t *testing.T) {
	s := NewStore()
	in := NewFolder("S1", "foreign1", "shared with me", 1)
	in.Share = InboundRoot
	out := NewFolder("S2", NoParent, "mine", 2)
	out.Share = Outbound | PublicLink
	s.Put(in)
	s.Put(out)

	assert.Equal(t, []string{"S1"}, s.Members(InboundRoot))
	assert.Equal(t, []string{"S2"}, s.Members(Outbound))
	assert.Equal(t, []string{"S2"}, s.Members(PublicLink))
	assert.Empty(t, s.Members(FileRequest))

	// Clearing a flag drops the membership.
	cleared := out.Clone()
	cleared.Share = Outbound
	s.Put(cleared)
	assert.Empty(t, s.Members(PublicLink))

	s.Remove("S2")
	assert.Empty(t, s.Members(Outbound))
}

func TestStore_VerifyDetectsStaleChild(t *testing.T) {
	s := NewStore()
	s.Put(NewFolder("A", NoParent, "root", 1))
	s.Put(NewFile("C", "A", "x", 2))

	// Mutating the parent pointer in place bypasses Put.
	n, _ := s.Get("C")
	n.Parent = "Z"
	assert.Error(t, s.Verify())
}

func TestShareState_String(t *testing.T) {
	assert.Equal(t, "none", ShareState(0).String())
	assert.Equal(t, "outbound|link", (Outbound | PublicLink).String())
}

func TestNode_SetKindSwitchesVariant(t *testing.T) {
	n := NewFile("F", NoParent, "f", 1)
	n.File.Size = 10
	n.SetKind(Folder)
	assert.True(t, n.IsFolder())
	assert.Nil(t, n.File)
	assert.Equal(t, int64(0), n.Size())

	n.SetKind(Folder)
	assert.NotNil(t, n.Folder)
}

func TestCodec_RoundTripPreservesVariant(t *testing.T) {
	f := NewFile("F1", "P1", "report.pdf", 42)
	f.File.Size = 1024
	f.File.Versioned = true
	f.Owner = "u1"

	data, err := Encode(f)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	d := NewFolder("D1", NoParent, "", 7)
	d.MissingKeys = true
	d.Share = InboundRoot
	data, err = Encode(d)
	require.NoError(t, err)
	got, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.False(t, got.Named())
}

func TestCodec_DecodeRejectsCorruptRecords(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"t":0,"ts":1}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"h":"X","t":9}`))
	assert.Error(t, err)
}
