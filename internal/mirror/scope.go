package mirror

import (
	"errors"
	"strings"

	"github.com/agentic-research/treemirror/internal/graph"
)

// ScopeKind names what a Scope selects.
type ScopeKind int

const (
	ScopeFolder ScopeKind = iota
	ScopeIncomingShares
	ScopeOutgoingShares
	ScopePublicLinks
	ScopeFileRequests
	ScopeSearch
)

// Scope identifies one materializable node set: a real folder (ID is the
// folder handle), a search expression (ID is the pattern), or one of the
// virtual share groupings (ID unused).
type Scope struct {
	Kind ScopeKind
	ID   string
}

var (
	IncomingShares = Scope{Kind: ScopeIncomingShares}
	OutgoingShares = Scope{Kind: ScopeOutgoingShares}
	PublicLinks    = Scope{Kind: ScopePublicLinks}
	FileRequests   = Scope{Kind: ScopeFileRequests}
)

// FolderScope is the scope of one folder's direct children.
func FolderScope(handle string) Scope { return Scope{Kind: ScopeFolder, ID: handle} }

// SearchScope is the scope of live nodes whose name matches pattern.
func SearchScope(pattern string) Scope { return Scope{Kind: ScopeSearch, ID: pattern} }

const searchPrefix = "search/"

var virtualNames = map[ScopeKind]string{
	ScopeIncomingShares: "shares",
	ScopeOutgoingShares: "out-shares",
	ScopePublicLinks:    "public-links",
	ScopeFileRequests:   "file-requests",
}

// ParseScope is the inverse of Scope.String. Anything that is not a
// virtual scope name or a search expression is taken as a folder handle.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return Scope{}, errors.New("empty scope")
	}
	for k, name := range virtualNames {
		if s == name {
			return Scope{Kind: k}, nil
		}
	}
	if q, ok := strings.CutPrefix(s, searchPrefix); ok {
		if strings.TrimSpace(q) == "" {
			return Scope{}, errors.New("empty search expression")
		}
		return SearchScope(q), nil
	}
	return FolderScope(s), nil
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeFolder:
		return s.ID
	case ScopeSearch:
		return searchPrefix + s.ID
	default:
		return virtualNames[s.Kind]
	}
}

// IsVirtual reports whether the scope is backed by a share side index.
func (s Scope) IsVirtual() bool {
	_, ok := virtualNames[s.Kind]
	return ok
}

// shareFlag returns the side index flag behind a virtual scope.
func (s Scope) shareFlag() graph.ShareState {
	switch s.Kind {
	case ScopeIncomingShares:
		return graph.InboundRoot
	case ScopeOutgoingShares:
		return graph.Outbound
	case ScopePublicLinks:
		return graph.PublicLink
	case ScopeFileRequests:
		return graph.FileRequest
	default:
		return 0
	}
}
