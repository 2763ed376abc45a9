// Package applicator is the server-side Operation Applicator: C5 of the
// tree-sync core. It consumes envelopes, applies them idempotently against
// a persistent tree store, and publishes the resulting application event
// after the store commit. Grounded on the donor's server_write_ops.go
// (transactional mutation handlers returning a structured Response) and
// the id-is-the-dedup-key convention visible throughout internal/rpc's
// request handling.
package applicator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/treesync/core/internal/broker"
	"github.com/treesync/core/internal/replica"
	"github.com/treesync/core/internal/treeerr"
	"github.com/treesync/core/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id          TEXT NOT NULL,
	namespace   TEXT NOT NULL,
	parent_id   TEXT,
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	order_key   TEXT NOT NULL,
	is_open     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS applied_envelopes (
	id          TEXT PRIMARY KEY,
	namespace   TEXT NOT NULL,
	result_json TEXT NOT NULL,
	applied_at  INTEGER NOT NULL
);
`

// tempIDPrefix marks a client-minted placeholder id that must be remapped
// to a server-assigned real id on apply (spec.md example 5: "temp_1",
// "temp_2"). IDs without this prefix are accepted verbatim, matching the
// happy-path example where client-generated id "f1" round-trips with an
// empty mappings set.
const tempIDPrefix = "temp_"

// AppliedResult is one entry of a batch sync response's "applied" array.
type AppliedResult struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"` // "success" | "failed"
	Error       string `json:"error,omitempty"`
}

// Applicator owns the persistent tree store for every namespace it has
// touched, plus the broker used to publish post-commit events.
type Applicator struct {
	db     *sql.DB
	broker *broker.Broker

	mu          sync.Mutex
	replicasMu  sync.RWMutex
	replicas    map[types.Namespace]*replica.Replica
}

// Open creates or attaches to the sqlite-backed tree store at path and
// wires it to b for post-commit publication.
func Open(path string, b *broker.Broker) (*Applicator, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("applicator: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applicator: migrate schema: %w", err)
	}
	return &Applicator{
		db:       db,
		broker:   b,
		replicas: map[types.Namespace]*replica.Replica{},
	}, nil
}

func (a *Applicator) Close() error { return a.db.Close() }

func (a *Applicator) replicaFor(ctx context.Context, ns types.Namespace) (*replica.Replica, error) {
	a.replicasMu.RLock()
	rep, ok := a.replicas[ns]
	a.replicasMu.RUnlock()
	if ok {
		return rep, nil
	}

	a.replicasMu.Lock()
	defer a.replicasMu.Unlock()
	if rep, ok := a.replicas[ns]; ok {
		return rep, nil
	}

	nodes, err := a.loadNodes(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		rep = replica.New(ns, time.Now())
		root, _ := rep.GetSubtree(types.RootNodeID)
		if len(root) == 1 {
			if err := a.upsertNode(ctx, ns, root[0]); err != nil {
				return nil, err
			}
		}
	} else {
		rep = replica.NewFromNodes(ns, nodes)
	}
	a.replicas[ns] = rep
	return rep, nil
}

// ApplyOne applies a single envelope. It is not routed over HTTP, and
// ApplyBatch does not call it: ApplyBatch performs the same dedup, execute
// and publish steps itself for each envelope. It is idempotent: re-applying an already-seen envelope id returns the
// cached result without re-executing the op.
func (a *Applicator) ApplyOne(ctx context.Context, ns types.Namespace, env types.OperationEnvelope) (AppliedResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok, err := a.lookupApplied(ctx, env.ID); err != nil {
		return AppliedResult{}, err
	} else if ok {
		return cached, nil
	}

	result, op, node, _ := a.execute(ctx, ns, env)
	if err := a.recordApplied(ctx, env.ID, ns, result); err != nil {
		return AppliedResult{}, err
	}
	if result.Status == "success" {
		a.publish(ns, op, node)
	}
	return result, nil
}

// ApplyBatch applies every envelope in order, building id mappings for any
// temp-prefixed ids minted by the client, per §4.7.2's response contract.
func (a *Applicator) ApplyBatch(ctx context.Context, ns types.Namespace, envs []types.OperationEnvelope) (applied []AppliedResult, mappings map[string]string, serverTimestamp int64) {
	mappings = map[string]string{}
	for _, env := range envs {
		// Remap any ids this batch has already resolved earlier in the same
		// batch (e.g. create_folder{id:temp_1} then
		// create_bookmark{parentId:temp_1}).
		env.Op = remapPending(env.Op, mappings)

		a.mu.Lock()
		var result AppliedResult
		if cached, ok, err := a.lookupApplied(ctx, env.ID); err == nil && ok {
			result = cached
		} else {
			var op types.Op
			var node *types.Node
			var mappedID string
			result, op, node, mappedID = a.execute(ctx, ns, env)
			_ = a.recordApplied(ctx, env.ID, ns, result)
			if result.Status == "success" {
				a.publish(ns, op, node)
			}
			if mappedID != "" {
				mappings[string(origID(env.Op))] = mappedID
			}
		}
		a.mu.Unlock()
		applied = append(applied, result)
	}
	return applied, mappings, time.Now().UnixMilli()
}

func origID(op types.Op) types.NodeId {
	if op.ID != nil {
		return *op.ID
	}
	return ""
}

// remapPending rewrites any id/parentId fields in op that match a mapping
// already produced earlier in this batch.
func remapPending(op types.Op, mappings map[string]string) types.Op {
	remap := func(f *types.NodeId) {
		if f == nil {
			return
		}
		if real, ok := mappings[string(*f)]; ok {
			*f = types.NodeId(real)
		}
	}
	remap(op.ParentID)
	remap(op.NodeID)
	remap(op.ToFolderID)
	remap(op.FolderID)
	return op
}

// execute runs op against ns's replica, minting a real id in place of any
// temp-prefixed client id. It returns the applied result, the (possibly
// id-rewritten) op for event construction, and the new id if a remap
// occurred.
func (a *Applicator) execute(ctx context.Context, ns types.Namespace, env types.OperationEnvelope) (result AppliedResult, op types.Op, node *types.Node, mappedID string) {
	op = env.Op
	rep, err := a.replicaFor(ctx, ns)
	if err != nil {
		return AppliedResult{OperationID: env.ID, Status: "failed", Error: err.Error()}, op, nil, ""
	}

	if op.ID != nil && strings.HasPrefix(string(*op.ID), tempIDPrefix) {
		real := types.NodeId(uuid.NewString())
		mappedID = string(real)
		op.ID = &real
	}

	var victims []*types.Node
	if op.Type == types.OpRemoveNode && op.NodeID != nil {
		victims, _ = rep.GetSubtree(*op.NodeID)
	}

	node, err = rep.Apply(op, env.ID, env.TS, time.Now())
	if err != nil {
		return AppliedResult{OperationID: env.ID, Status: "failed", Error: err.Error()}, op, nil, ""
	}

	switch op.Type {
	case types.OpRemoveNode:
		if err := a.deleteNodes(ctx, ns, victims); err != nil {
			return AppliedResult{OperationID: env.ID, Status: "failed", Error: err.Error()}, op, nil, ""
		}
	default:
		if node != nil {
			if err := a.upsertNode(ctx, ns, node); err != nil {
				return AppliedResult{OperationID: env.ID, Status: "failed", Error: err.Error()}, op, nil, ""
			}
		}
	}

	return AppliedResult{OperationID: env.ID, Status: "success"}, op, node, mappedID
}

func (a *Applicator) publish(ns types.Namespace, op types.Op, node *types.Node) {
	evtType, payload, ok := eventForOp(op, node)
	if !ok {
		return
	}
	evt, err := broker.NewApplicationEvent(ns, evtType, payload)
	if err != nil {
		return
	}
	a.broker.Publish(ns, evt)
}

func eventForOp(op types.Op, node *types.Node) (types.EventType, any, bool) {
	switch op.Type {
	case types.OpCreateFolder:
		return types.EventFolderCreated, op, true
	case types.OpCreateBookmark:
		return types.EventBookmarkCreated, op, true
	case types.OpMoveNode:
		return types.EventItemMoved, op, true
	case types.OpUpdateNode:
		if node != nil && node.Kind == types.KindBookmark {
			return types.EventBookmarkUpdated, op, true
		}
		return types.EventFolderUpdated, op, true
	case types.OpToggleFolder:
		return types.EventFolderToggled, op, true
	case types.OpRemoveNode:
		return types.EventItemDeleted, op, true
	default:
		return "", nil, false
	}
}

func (a *Applicator) lookupApplied(ctx context.Context, envID string) (AppliedResult, bool, error) {
	var resultJSON string
	err := a.db.QueryRowContext(ctx, `SELECT result_json FROM applied_envelopes WHERE id = ?`, envID).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return AppliedResult{}, false, nil
	}
	if err != nil {
		return AppliedResult{}, false, fmt.Errorf("applicator: lookup applied %s: %w", envID, err)
	}
	var result AppliedResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return AppliedResult{}, false, err
	}
	return result, true, nil
}

func (a *Applicator) recordApplied(ctx context.Context, envID string, ns types.Namespace, result AppliedResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO applied_envelopes (id, namespace, result_json, applied_at) VALUES (?, ?, ?, ?)`,
		envID, string(ns), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("applicator: record applied %s: %w", envID, err)
	}
	return nil
}

func (a *Applicator) loadNodes(ctx context.Context, ns types.Namespace) ([]*types.Node, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, parent_id, kind, title, url, order_key, is_open, created_at, updated_at
		 FROM nodes WHERE namespace = ?`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("applicator: load nodes %s: %w", ns, err)
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		var (
			id, kind, title, url, orderKey string
			parentID                       sql.NullString
			isOpen                         bool
			createdAt, updatedAt           int64
		)
		if err := rows.Scan(&id, &parentID, &kind, &title, &url, &orderKey, &isOpen, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n := &types.Node{
			ID:        types.NodeId(id),
			Kind:      types.Kind(kind),
			Title:     title,
			URL:       url,
			OrderKey:  orderKey,
			IsOpen:    isOpen,
			CreatedAt: time.UnixMilli(createdAt),
			UpdatedAt: time.UnixMilli(updatedAt),
		}
		if parentID.Valid {
			p := types.NodeId(parentID.String)
			n.ParentID = &p
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (a *Applicator) upsertNode(ctx context.Context, ns types.Namespace, n *types.Node) error {
	var parentID any
	if n.ParentID != nil {
		parentID = string(*n.ParentID)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO nodes (id, namespace, parent_id, kind, title, url, order_key, is_open, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, id) DO UPDATE SET
		   parent_id=excluded.parent_id, kind=excluded.kind, title=excluded.title, url=excluded.url,
		   order_key=excluded.order_key, is_open=excluded.is_open, updated_at=excluded.updated_at`,
		string(n.ID), string(ns), parentID, string(n.Kind), n.Title, n.URL, n.OrderKey, n.IsOpen,
		n.CreatedAt.UnixMilli(), n.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("applicator: upsert node %s: %w", n.ID, err)
	}
	return nil
}

func (a *Applicator) deleteNodes(ctx context.Context, ns types.Namespace, victims []*types.Node) error {
	for _, n := range victims {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM nodes WHERE namespace = ? AND id = ?`, string(ns), string(n.ID)); err != nil {
			return fmt.Errorf("applicator: delete node %s: %w", n.ID, err)
		}
	}
	return nil
}

// GetSubtree returns a snapshot of rootID's subtree for ns, used by
// GET /api/:ns/tree/node/:id.
func (a *Applicator) GetSubtree(ctx context.Context, ns types.Namespace, rootID types.NodeId) ([]*types.Node, error) {
	rep, err := a.replicaFor(ctx, ns)
	if err != nil {
		return nil, err
	}
	nodes, err := rep.GetSubtree(rootID)
	if err != nil {
		return nil, treeerr.New(treeerr.ClassConflict, "applicator.GetSubtree", err)
	}
	return nodes, nil
}

// NamespaceSummary is one entry of GET /api/namespaces.
type NamespaceSummary struct {
	Namespace     types.Namespace `json:"namespace"`
	RootNodeID    types.NodeId    `json:"rootNodeId"`
	RootNodeTitle string          `json:"rootNodeTitle"`
}

// ListNamespaces returns every namespace this applicator has persisted a
// root folder for, used by GET /api/namespaces.
func (a *Applicator) ListNamespaces(ctx context.Context) ([]NamespaceSummary, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT namespace, id, title FROM nodes WHERE id = ? ORDER BY namespace`, string(types.RootNodeID))
	if err != nil {
		return nil, fmt.Errorf("applicator: list namespaces: %w", err)
	}
	defer rows.Close()

	var out []NamespaceSummary
	for rows.Next() {
		var ns, id, title string
		if err := rows.Scan(&ns, &id, &title); err != nil {
			return nil, err
		}
		out = append(out, NamespaceSummary{
			Namespace:     types.Namespace(ns),
			RootNodeID:    types.NodeId(id),
			RootNodeTitle: title,
		})
	}
	return out, rows.Err()
}
