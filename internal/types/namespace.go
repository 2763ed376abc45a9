package types

// Namespace is a tenant-like scope: every node, envelope, subscription, and
// broadcast is partitioned by namespace. Two namespaces never interact.
type Namespace string

// NodeId is an opaque stable identifier for a node. Generated client-side
// when possible (see NewNodeID); the server accepts client-supplied ids for
// determinism (e.g. temp ids later remapped by the sync engine).
type NodeId string

// RootNodeID is the sentinel id of a namespace's root folder. It is the
// only node whose ParentID is nil, it is always a folder, and it can never
// be moved or removed.
const RootNodeID NodeId = "root"
