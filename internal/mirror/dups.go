package mirror

import "github.com/agentic-research/treemirror/internal/graph"

// Duplicates groups sibling handles sharing a name, split by kind.
type Duplicates struct {
	Files   map[string][]string `json:"files"`
	Folders map[string][]string `json:"folders"`
}

// Empty reports whether no name is duplicated.
func (d Duplicates) Empty() bool {
	return len(d.Files) == 0 && len(d.Folders) == 0
}

type dupKey struct {
	name string
	kind graph.Kind
}

// FindDuplicates reports every (name, kind) shared by more than one node.
// Versioned nodes and nodes with missing keys never collide. Handles keep
// the order of nodes.
func FindDuplicates(nodes []*graph.Node) Duplicates {
	res := Duplicates{Files: map[string][]string{}, Folders: map[string][]string{}}

	eligible := 0
	counts := make(map[dupKey]int, len(nodes))
	for _, n := range nodes {
		if !n.Named() || n.Versioned() {
			continue
		}
		eligible++
		counts[dupKey{n.Name, n.Kind()}]++
	}
	if eligible == len(counts) {
		return res
	}

	for _, n := range nodes {
		if !n.Named() || n.Versioned() {
			continue
		}
		k := dupKey{n.Name, n.Kind()}
		if counts[k] < 2 {
			continue
		}
		if k.kind == graph.Folder {
			res.Folders[k.name] = append(res.Folders[k.name], n.Handle)
		} else {
			res.Files[k.name] = append(res.Files[k.name], n.Handle)
		}
	}
	return res
}

// FindDuplicates materializes scope and reports its name collisions.
func (m *Mirror) FindDuplicates(scope Scope) Duplicates {
	return FindDuplicates(m.Materialize(scope, ViewOptions{}))
}
