package types

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the two node variants. The tree is modeled as a tagged
// sum dispatched on Kind rather than an interface hierarchy, per the design
// note against modeling node kinds with inheritance.
type Kind string

const (
	KindFolder   Kind = "folder"
	KindBookmark Kind = "bookmark"
)

// Node is the tagged union of Folder and Bookmark. Fields not meaningful
// for a given Kind are left zero-valued; callers branch on Kind, never on
// field presence.
type Node struct {
	ID        NodeId    `json:"id"`
	ParentID  *NodeId   `json:"parentId"` // nil only for the root
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	OrderKey  string    `json:"orderKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Folder-only.
	IsOpen bool `json:"isOpen,omitempty"`

	// Bookmark-only.
	URL string `json:"url,omitempty"`
}

// NewNodeID generates a client-side candidate id. It returns a plain UUID
// with no "temp_" prefix, so the server accepts it verbatim and never
// remaps it.
func NewNodeID() NodeId {
	return NodeId(uuid.NewString())
}

// IsRoot reports whether n is the namespace's root folder.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// Clone returns a deep copy safe to mutate independently of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.ParentID != nil {
		parent := *n.ParentID
		clone.ParentID = &parent
	}
	return &clone
}

// NewRootFolder constructs the well-known root folder for a namespace.
func NewRootFolder(now time.Time) *Node {
	return &Node{
		ID:        RootNodeID,
		ParentID:  nil,
		Kind:      KindFolder,
		Title:     "",
		OrderKey:  "",
		IsOpen:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
