// Package replica holds one namespace's node set in memory: C3 of the
// tree-sync core. Per the design note against owning parent+children
// pointers, a node's ownership lives entirely in the id->node map; the
// parent-to-children view is a derived index rebuilt incrementally rather
// than stored on the nodes themselves. This mirrors the donor's
// "derived index rebuilt from source of truth, invalidated rather than
// patched" idiom in internal/rpc/cache.go and label_cache.go.
package replica

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/treesync/core/internal/orderkey"
	"github.com/treesync/core/internal/treeerr"
	"github.com/treesync/core/internal/types"
)

// Replica is one namespace's tree: the authoritative local view used by
// both the client-side optimistic applicator and (reused, server-side) the
// persistent tree store standing in for the external collaborator in
// spec.md §6.
type Replica struct {
	mu sync.RWMutex

	ns       types.Namespace
	nodes    map[types.NodeId]*types.Node
	children map[types.NodeId][]types.NodeId // parentID -> childIDs, sorted by OrderKey then ID

	// pendingOrigin tracks nodes whose creating/mutating envelope has not
	// yet synced, so Reconcile can preserve optimistic state instead of
	// clobbering it with a server snapshot that doesn't know about it yet.
	pendingOrigin map[types.NodeId]string // nodeID -> envelope id

	// fieldTimestamps implements update_node's field-wise last-writer-wins:
	// nodeID -> field name -> ts of the write currently reflected in nodes.
	fieldTimestamps map[types.NodeId]map[string]int64
}

// New creates an empty replica for ns, bootstrapped with the namespace's
// root folder.
func New(ns types.Namespace, now time.Time) *Replica {
	root := types.NewRootFolder(now)
	return &Replica{
		ns:              ns,
		nodes:           map[types.NodeId]*types.Node{root.ID: root},
		children:        map[types.NodeId][]types.NodeId{},
		pendingOrigin:   map[types.NodeId]string{},
		fieldTimestamps: map[types.NodeId]map[string]int64{},
	}
}

// NewFromNodes rebuilds a replica directly from a flat node list, e.g. when
// restoring a namespace's tree from persistent storage at startup. Unlike
// New, it does not implicitly bootstrap a root; nodes must already include
// one.
func NewFromNodes(ns types.Namespace, nodes []*types.Node) *Replica {
	r := &Replica{
		ns:              ns,
		nodes:           make(map[types.NodeId]*types.Node, len(nodes)),
		children:        map[types.NodeId][]types.NodeId{},
		pendingOrigin:   map[types.NodeId]string{},
		fieldTimestamps: map[types.NodeId]map[string]int64{},
	}
	for _, n := range nodes {
		r.nodes[n.ID] = n.Clone()
	}
	for id, n := range r.nodes {
		if n.ParentID == nil {
			continue
		}
		r.children[*n.ParentID] = append(r.children[*n.ParentID], id)
	}
	for parentID := range r.children {
		r.resortSiblings(parentID)
	}
	return r
}

// GetSubtree returns a snapshot of rootID and every descendant, each
// sibling group ordered ascending by OrderKey with ID as tiebreaker.
func (r *Replica) GetSubtree(rootID types.NodeId) ([]*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.nodes[rootID]
	if !ok {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.GetSubtree", treeerr.ErrNotFound)
	}

	var out []*types.Node
	var walk func(types.NodeId)
	walk = func(id types.NodeId) {
		n := r.nodes[id]
		if n == nil {
			return
		}
		out = append(out, n.Clone())
		for _, childID := range r.children[id] {
			walk(childID)
		}
	}
	_ = root
	walk(rootID)
	return out, nil
}

// Apply optimistically mutates local state for op, originated by the
// envelope envID at time ts (unix ms). It returns the post-image node for
// create/update/toggle/move, or nil for remove_node and no-ops. A failed
// apply leaves the replica unchanged.
func (r *Replica) Apply(op types.Op, envID string, ts int64, now time.Time) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op.Type {
	case types.OpCreateFolder:
		return r.applyCreate(op, types.KindFolder, envID, now)
	case types.OpCreateBookmark:
		if err := validateURL(op.URL); err != nil {
			return nil, treeerr.New(treeerr.ClassValidation, "replica.Apply(create_bookmark)", err)
		}
		return r.applyCreate(op, types.KindBookmark, envID, now)
	case types.OpMoveNode:
		return r.applyMove(op, now)
	case types.OpUpdateNode:
		return r.applyUpdate(op, ts, now)
	case types.OpToggleFolder:
		return r.applyToggle(op, now)
	case types.OpRemoveNode:
		return nil, r.applyRemove(op)
	default:
		return nil, treeerr.New(treeerr.ClassValidation, "replica.Apply", fmt.Errorf("unknown op type %q", op.Type))
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty url", treeerr.ErrMalformedURL)
	}
	// A bookmark URL must have a scheme and host; this is a local sanity
	// check, not full RFC 3986 validation.
	schemeEnd := -1
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			schemeEnd = i
			break
		}
		if raw[i] == '/' {
			break
		}
	}
	if schemeEnd <= 0 || schemeEnd+2 >= len(raw) || raw[schemeEnd+1] != '/' || raw[schemeEnd+2] != '/' {
		return fmt.Errorf("%w: %q", treeerr.ErrMalformedURL, raw)
	}
	return nil
}

func (r *Replica) applyCreate(op types.Op, kind types.Kind, envID string, now time.Time) (*types.Node, error) {
	parentID := types.RootNodeID
	if op.ParentID != nil {
		parentID = *op.ParentID
	}
	parent, ok := r.nodes[parentID]
	if !ok || parent.Kind != types.KindFolder {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(create)", treeerr.ErrInvalidOp)
	}

	id := types.NewNodeID()
	if op.ID != nil {
		id = *op.ID
	}
	if _, exists := r.nodes[id]; exists {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(create)", fmt.Errorf("id %s already exists", id))
	}

	orderKey, err := r.resolveOrderKey(parentID, "", op.Index, op.OrderKey)
	if err != nil {
		return nil, err
	}

	node := &types.Node{
		ID:        id,
		ParentID:  &parentID,
		Kind:      kind,
		Title:     op.Title,
		OrderKey:  orderKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == types.KindFolder {
		if op.IsOpen != nil {
			node.IsOpen = *op.IsOpen
		}
	} else {
		node.URL = op.URL
	}

	r.nodes[id] = node
	r.insertChild(parentID, id, orderKey)
	r.pendingOrigin[id] = envID
	return node.Clone(), nil
}

func (r *Replica) applyMove(op types.Op, now time.Time) (*types.Node, error) {
	if op.NodeID == nil || op.ToFolderID == nil {
		return nil, treeerr.New(treeerr.ClassValidation, "replica.Apply(move_node)", fmt.Errorf("nodeId and toFolderId are required"))
	}
	nodeID := *op.NodeID
	toFolderID := *op.ToFolderID

	node, ok := r.nodes[nodeID]
	if !ok {
		// The node was already removed by an earlier remove_node; a later
		// move_node referencing it is a no-op per the replica's ordering
		// invariant.
		return nil, nil
	}
	if nodeID == types.RootNodeID {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(move_node)", treeerr.ErrInvalidOp)
	}
	toFolder, ok := r.nodes[toFolderID]
	if !ok || toFolder.Kind != types.KindFolder {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(move_node)", treeerr.ErrInvalidOp)
	}
	if nodeID == toFolderID || r.isDescendant(toFolderID, nodeID) {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(move_node)", treeerr.ErrInvalidOp)
	}

	oldParent := *node.ParentID
	orderKey, err := r.resolveOrderKey(toFolderID, nodeID, op.Index, op.OrderKey)
	if err != nil {
		return nil, err
	}

	r.removeChild(oldParent, nodeID)
	node.ParentID = &toFolderID
	node.OrderKey = orderKey
	node.UpdatedAt = now
	r.insertChild(toFolderID, nodeID, orderKey)
	return node.Clone(), nil
}

func (r *Replica) applyUpdate(op types.Op, ts int64, now time.Time) (*types.Node, error) {
	if op.NodeID == nil {
		return nil, treeerr.New(treeerr.ClassValidation, "replica.Apply(update_node)", fmt.Errorf("nodeId is required"))
	}
	node, ok := r.nodes[*op.NodeID]
	if !ok {
		return nil, nil // already removed; no-op
	}
	if len(op.Fields) == 0 {
		return node.Clone(), nil
	}

	stamps := r.fieldTimestamps[node.ID]
	if stamps == nil {
		stamps = map[string]int64{}
		r.fieldTimestamps[node.ID] = stamps
	}

	changed := false
	for field, value := range op.Fields {
		prevTS, seen := stamps[field]
		if seen && ts < prevTS {
			continue // an earlier writer loses to a later one already applied
		}
		if seen && ts == prevTS {
			// Equal ts: the envelope id is not consulted and the winning
			// id per field is not retained, so the write applied last
			// wins. A repeat apply of the same envelope re-applies the
			// same value.
		}
		if !applyField(node, field, value) {
			continue
		}
		stamps[field] = ts
		changed = true
	}
	if changed {
		node.UpdatedAt = now
		if node.ParentID != nil {
			// Title/orderKey changes can affect sibling sort order.
			r.resortSiblings(*node.ParentID)
		}
	}
	return node.Clone(), nil
}

func applyField(node *types.Node, field string, value any) bool {
	switch field {
	case "title":
		s, ok := value.(string)
		if !ok {
			return false
		}
		node.Title = s
	case "url":
		if node.Kind != types.KindBookmark {
			return false
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		node.URL = s
	case "isOpen":
		if node.Kind != types.KindFolder {
			return false
		}
		b, ok := value.(bool)
		if !ok {
			return false
		}
		node.IsOpen = b
	case "orderKey":
		s, ok := value.(string)
		if !ok {
			return false
		}
		node.OrderKey = s
	default:
		return false
	}
	return true
}

func (r *Replica) applyToggle(op types.Op, now time.Time) (*types.Node, error) {
	if op.FolderID == nil {
		return nil, treeerr.New(treeerr.ClassValidation, "replica.Apply(toggle_folder)", fmt.Errorf("folderId is required"))
	}
	node, ok := r.nodes[*op.FolderID]
	if !ok {
		return nil, nil // already removed; no-op
	}
	if node.Kind != types.KindFolder {
		return nil, treeerr.New(treeerr.ClassConflict, "replica.Apply(toggle_folder)", treeerr.ErrInvalidOp)
	}
	if op.Open != nil {
		node.IsOpen = *op.Open
	} else {
		node.IsOpen = !node.IsOpen
	}
	node.UpdatedAt = now
	return node.Clone(), nil
}

func (r *Replica) applyRemove(op types.Op) error {
	if op.NodeID == nil {
		return treeerr.New(treeerr.ClassValidation, "replica.Apply(remove_node)", fmt.Errorf("nodeId is required"))
	}
	nodeID := *op.NodeID
	if nodeID == types.RootNodeID {
		return treeerr.New(treeerr.ClassConflict, "replica.Apply(remove_node)", treeerr.ErrInvalidOp)
	}
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil // already removed; no-op
	}

	var collect func(types.NodeId)
	var victims []types.NodeId
	collect = func(id types.NodeId) {
		victims = append(victims, id)
		for _, childID := range r.children[id] {
			collect(childID)
		}
	}
	collect(nodeID)

	r.removeChild(*node.ParentID, nodeID)
	for _, id := range victims {
		delete(r.nodes, id)
		delete(r.children, id)
		delete(r.pendingOrigin, id)
		delete(r.fieldTimestamps, id)
	}
	return nil
}

// isDescendant reports whether candidate is a (possibly indirect)
// descendant of ancestor.
func (r *Replica) isDescendant(candidate, ancestor types.NodeId) bool {
	n := r.nodes[candidate]
	for n != nil && n.ParentID != nil {
		if *n.ParentID == ancestor {
			return true
		}
		n = r.nodes[*n.ParentID]
	}
	return false
}

// resolveOrderKey computes the OrderKey for an insertion into parentID,
// excluding excludeID (the node being moved, if any) from the sibling list
// before picking neighbors. OrderKey is authoritative when present;
// otherwise index names the position among current siblings, resolved
// against the replica's current state at apply time per the spec's
// decision on index semantics under concurrent mutation.
func (r *Replica) resolveOrderKey(parentID, excludeID types.NodeId, index *int, suppliedKey *string) (string, error) {
	if suppliedKey != nil {
		return *suppliedKey, nil
	}

	siblings := make([]types.NodeId, 0, len(r.children[parentID]))
	for _, id := range r.children[parentID] {
		if id == excludeID {
			continue
		}
		siblings = append(siblings, id)
	}

	pos := len(siblings)
	if index != nil {
		pos = *index
		if pos < 0 {
			pos = 0
		}
		if pos > len(siblings) {
			pos = len(siblings)
		}
	}

	var left, right string
	if pos > 0 {
		left = r.nodes[siblings[pos-1]].OrderKey
	}
	if pos < len(siblings) {
		right = r.nodes[siblings[pos]].OrderKey
	}
	return orderkey.GenerateKeyBetween(left, right)
}

func (r *Replica) insertChild(parentID, childID types.NodeId, _ string) {
	r.children[parentID] = append(r.children[parentID], childID)
	r.resortSiblings(parentID)
}

func (r *Replica) removeChild(parentID, childID types.NodeId) {
	siblings := r.children[parentID]
	for i, id := range siblings {
		if id == childID {
			r.children[parentID] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

func (r *Replica) resortSiblings(parentID types.NodeId) {
	siblings := r.children[parentID]
	sort.Slice(siblings, func(i, j int) bool {
		a, b := r.nodes[siblings[i]], r.nodes[siblings[j]]
		if a.OrderKey != b.OrderKey {
			return a.OrderKey < b.OrderKey
		}
		return a.ID < b.ID
	})
}

// Reconcile replaces every node not currently tracked as pending-origin
// with the server-authoritative version, preserving nodes whose
// originating op is still pending (not yet synced).
func (r *Replica) Reconcile(serverNodes []*types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[types.NodeId]*types.Node, len(serverNodes))
	for _, n := range serverNodes {
		next[n.ID] = n.Clone()
	}
	for id, local := range r.nodes {
		if _, stillPending := r.pendingOrigin[id]; stillPending {
			next[id] = local
		}
	}

	r.nodes = next
	r.children = map[types.NodeId][]types.NodeId{}
	for id, n := range r.nodes {
		if n.ParentID == nil {
			continue
		}
		r.children[*n.ParentID] = append(r.children[*n.ParentID], id)
	}
	for parentID := range r.children {
		r.resortSiblings(parentID)
	}
}

// MarkOriginSynced drops nodeID from the pending-origin set, called once
// its originating envelope has been acknowledged by the server.
func (r *Replica) MarkOriginSynced(nodeID types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingOrigin, nodeID)
}

// RemapIDs rewrites node identities and parent references after the sync
// engine learns the server's real ids for client-generated temp ids.
func (r *Replica) RemapIDs(mappings map[string]string) {
	if len(mappings) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	remap := func(id types.NodeId) types.NodeId {
		if real, ok := mappings[string(id)]; ok {
			return types.NodeId(real)
		}
		return id
	}

	newNodes := make(map[types.NodeId]*types.Node, len(r.nodes))
	for id, n := range r.nodes {
		newID := remap(id)
		n.ID = newID
		if n.ParentID != nil {
			parentID := remap(*n.ParentID)
			n.ParentID = &parentID
		}
		newNodes[newID] = n
	}
	r.nodes = newNodes

	newChildren := make(map[types.NodeId][]types.NodeId, len(r.children))
	for parentID, kids := range r.children {
		newParent := remap(parentID)
		remapped := make([]types.NodeId, len(kids))
		for i, k := range kids {
			remapped[i] = remap(k)
		}
		newChildren[newParent] = remapped
	}
	r.children = newChildren

	newPending := make(map[types.NodeId]string, len(r.pendingOrigin))
	for id, envID := range r.pendingOrigin {
		newPending[remap(id)] = envID
	}
	r.pendingOrigin = newPending

	newStamps := make(map[types.NodeId]map[string]int64, len(r.fieldTimestamps))
	for id, s := range r.fieldTimestamps {
		newStamps[remap(id)] = s
	}
	r.fieldTimestamps = newStamps
}

// RecordOrigin marks nodeID as produced by a still-pending envelope, so
// Reconcile preserves it until MarkOriginSynced is called. Exposed so
// callers that construct nodes outside Apply (bootstrap, tests) can opt in.
func (r *Replica) RecordOrigin(nodeID types.NodeId, envID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingOrigin[nodeID] = envID
}
