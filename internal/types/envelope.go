package types

import "github.com/google/uuid"

// OpType enumerates the tagged variants of a tree mutation.
type OpType string

const (
	OpCreateFolder   OpType = "create_folder"
	OpCreateBookmark OpType = "create_bookmark"
	OpMoveNode       OpType = "move_node"
	OpUpdateNode     OpType = "update_node"
	OpToggleFolder   OpType = "toggle_folder"
	OpRemoveNode     OpType = "remove_node"
)

// Op is the tagged union of tree-mutation payloads. Only the fields
// relevant to Type are populated; Index and OrderKey are alternatives — if
// OrderKey is set it is authoritative, otherwise Index names the insertion
// position among current siblings and the applicator computes OrderKey.
type Op struct {
	Type OpType `json:"type"`

	// create_folder / create_bookmark
	ID       *NodeId `json:"id,omitempty"`
	ParentID *NodeId `json:"parentId,omitempty"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"` // create_bookmark only
	IsOpen   *bool   `json:"isOpen,omitempty"`
	Index    *int    `json:"index,omitempty"`
	OrderKey *string `json:"orderKey,omitempty"`

	// move_node
	NodeID     *NodeId `json:"nodeId,omitempty"`
	ToFolderID *NodeId `json:"toFolderId,omitempty"`

	// update_node: arbitrary field-wise patch, applied last-writer-wins by
	// envelope ts.
	Fields map[string]any `json:"fields,omitempty"`

	// toggle_folder
	FolderID *NodeId `json:"folderId,omitempty"`
	Open     *bool   `json:"open,omitempty"`
}

// Status is one of the three lifecycle states of an envelope.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// OperationEnvelope wraps one tree operation with an id, timestamp, and
// lifecycle status. Envelopes are content-immutable apart from Status and
// RetryCount; they are never mutated otherwise after creation.
type OperationEnvelope struct {
	ID         string    `json:"id"`
	TS         int64     `json:"ts"` // unix ms
	Namespace  Namespace `json:"namespace"`
	Op         Op        `json:"op"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError,omitempty"`
}

// NewEnvelope mints a pending envelope with a fresh id. tsMillis is passed
// in rather than computed here so callers (and tests) control the clock.
func NewEnvelope(ns Namespace, op Op, tsMillis int64) OperationEnvelope {
	return NewEnvelopeWithID(uuid.NewString(), ns, op, tsMillis)
}

// NewEnvelopeWithID mints a pending envelope using a caller-supplied id,
// for callers that must know the id before the envelope is durably
// recorded (e.g. applying an op to a local replica and wanting that
// node's origin envelope id to match the one later appended to the log).
func NewEnvelopeWithID(id string, ns Namespace, op Op, tsMillis int64) OperationEnvelope {
	return OperationEnvelope{
		ID:        id,
		TS:        tsMillis,
		Namespace: ns,
		Op:        op,
		Status:    StatusPending,
	}
}
