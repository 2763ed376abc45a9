// Package oplog is the durable, append-only journal of operation
// envelopes: C2 of the tree-sync core. It is backed by modernc.org/sqlite
// (pure Go, no cgo) rather than the donor's versioned-SQL store, since the
// journal here is a small local file owned by a single coordinator daemon,
// not a multi-writer server-side store.
//
// Writes are serialized with an in-process mutex, the same single-writer
// discipline the donor's internal/lockfile applies across processes — this
// journal only ever has one owning process, so a mutex is sufficient.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/treesync/core/internal/treeerr"
	"github.com/treesync/core/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	id          TEXT PRIMARY KEY,
	namespace   TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	status      TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	op_json     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_ns_status ON envelopes(namespace, status);
CREATE INDEX IF NOT EXISTS idx_envelopes_ns_ts ON envelopes(namespace, ts, id);
`

// Log is the durable envelope journal for one coordinator daemon, spanning
// every namespace it has ever seen.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or attaches to the sqlite-backed journal at path. Pass
// ":memory:" for an ephemeral in-process journal (used by tests).
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer journal; avoid sqlite lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: migrate schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Append persists env durably and returns only once it is durable.
// Concurrent readers never observe a torn write because the insert is a
// single statement and writes are serialized by l.mu.
func (l *Log) Append(ctx context.Context, env types.OperationEnvelope) error {
	opJSON, err := json.Marshal(env.Op)
	if err != nil {
		return treeerr.New(treeerr.ClassValidation, "oplog.Append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO envelopes (id, namespace, ts, status, retry_count, last_error, op_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, string(env.Namespace), env.TS, string(env.Status), env.RetryCount, env.LastError, string(opJSON))
	if err != nil {
		return fmt.Errorf("oplog: append %s: %w", env.ID, err)
	}
	return nil
}

// ListPending returns envelopes with status=pending for ns, ascending by
// ts with id as the tiebreaker.
func (l *Log) ListPending(ctx context.Context, ns types.Namespace) ([]types.OperationEnvelope, error) {
	return l.listByStatus(ctx, ns, types.StatusPending)
}

// ListFailed returns envelopes with status=failed for ns, ascending by ts.
func (l *Log) ListFailed(ctx context.Context, ns types.Namespace) ([]types.OperationEnvelope, error) {
	return l.listByStatus(ctx, ns, types.StatusFailed)
}

func (l *Log) listByStatus(ctx context.Context, ns types.Namespace, status types.Status) ([]types.OperationEnvelope, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, namespace, ts, status, retry_count, last_error, op_json
		 FROM envelopes WHERE namespace = ? AND status = ?
		 ORDER BY ts ASC, id ASC`,
		string(ns), string(status))
	if err != nil {
		return nil, fmt.Errorf("oplog: list %s: %w", status, err)
	}
	defer rows.Close()

	var out []types.OperationEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Get returns a single envelope by id, or treeerr.ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (types.OperationEnvelope, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, namespace, ts, status, retry_count, last_error, op_json
		 FROM envelopes WHERE id = ?`, id)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return types.OperationEnvelope{}, treeerr.New(treeerr.ClassConflict, "oplog.Get", treeerr.ErrNotFound)
	}
	return env, err
}

// CountPending returns the number of pending envelopes for ns.
func (l *Log) CountPending(ctx context.Context, ns types.Namespace) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM envelopes WHERE namespace = ? AND status = ?`,
		string(ns), string(types.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("oplog: count pending %s: %w", ns, err)
	}
	return n, nil
}

// Reset discards every envelope recorded for ns, the recovery path offered
// to a tab after a Fatal persistent-store error (§7).
func (l *Log) Reset(ctx context.Context, ns types.Namespace) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM envelopes WHERE namespace = ?`, string(ns)); err != nil {
		return fmt.Errorf("oplog: reset %s: %w", ns, err)
	}
	return nil
}

// MarkSynced promotes env to synced. Once synced, an envelope is never
// replayed to the server again.
func (l *Log) MarkSynced(ctx context.Context, envID string) error {
	return l.setStatus(ctx, envID, types.StatusSynced, "", -1)
}

// MarkFailed records a failed application attempt, bumping retry_count and
// storing errMsg. It does not decide whether the envelope is retryable —
// that policy lives in the sync engine, which calls Requeue when
// retryCount < maxRetries.
func (l *Log) MarkFailed(ctx context.Context, envID string, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`UPDATE envelopes SET status = ?, retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		string(types.StatusFailed), errMsg, envID)
	if err != nil {
		return fmt.Errorf("oplog: mark failed %s: %w", envID, err)
	}
	return checkAffected(res, envID)
}

// Requeue transitions a failed envelope back to pending, for retry by the
// sync engine's per-retry-delay schedule or a user-initiated syncNow.
func (l *Log) Requeue(ctx context.Context, envID string) error {
	return l.setStatus(ctx, envID, types.StatusPending, "", -1)
}

// ForceRetry resets retry_count to 0 and requeues envID as pending,
// overriding a terminal (retryCount >= maxRetries) failure. This is the
// only way a terminally failed envelope becomes retryable again.
func (l *Log) ForceRetry(ctx context.Context, envID string) error {
	return l.setStatus(ctx, envID, types.StatusPending, "", 0)
}

func (l *Log) setStatus(ctx context.Context, envID string, status types.Status, lastError string, retryCount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res sql.Result
	var err error
	if retryCount < 0 {
		res, err = l.db.ExecContext(ctx, `UPDATE envelopes SET status = ?, last_error = ? WHERE id = ?`,
			string(status), lastError, envID)
	} else {
		res, err = l.db.ExecContext(ctx, `UPDATE envelopes SET status = ?, last_error = ?, retry_count = ? WHERE id = ?`,
			string(status), lastError, retryCount, envID)
	}
	if err != nil {
		return fmt.Errorf("oplog: set status %s: %w", envID, err)
	}
	return checkAffected(res, envID)
}

// RemapIDs rewrites the id/parentId fields of pending envelopes whose op
// payload still carries a temp id, per the sync engine's id-remapping
// contract: a real id assigned by the server replaces every occurrence of
// the temp id it was minted for. This is the one narrow exception to
// envelopes otherwise being content-immutable once appended.
func (l *Log) RemapIDs(ctx context.Context, ns types.Namespace, mappings map[string]string) error {
	if len(mappings) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, op_json FROM envelopes WHERE namespace = ? AND status = ?`,
		string(ns), string(types.StatusPending))
	if err != nil {
		return fmt.Errorf("oplog: remap scan: %w", err)
	}
	type update struct {
		id     string
		opJSON string
	}
	var updates []update
	for rows.Next() {
		var id, opJSON string
		if err := rows.Scan(&id, &opJSON); err != nil {
			rows.Close()
			return fmt.Errorf("oplog: remap scan row: %w", err)
		}
		var op types.Op
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			continue
		}
		changed := remapOp(&op, mappings)
		if !changed {
			continue
		}
		newJSON, err := json.Marshal(op)
		if err != nil {
			continue
		}
		updates = append(updates, update{id: id, opJSON: string(newJSON)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := l.db.ExecContext(ctx, `UPDATE envelopes SET op_json = ? WHERE id = ?`, u.opJSON, u.id); err != nil {
			return fmt.Errorf("oplog: remap write %s: %w", u.id, err)
		}
	}
	return nil
}

func remapOp(op *types.Op, mappings map[string]string) bool {
	changed := false
	remapField := func(f **types.NodeId) {
		if *f == nil {
			return
		}
		if real, ok := mappings[string(**f)]; ok {
			realID := types.NodeId(real)
			*f = &realID
			changed = true
		}
	}
	remapField(&op.ID)
	remapField(&op.ParentID)
	remapField(&op.NodeID)
	remapField(&op.ToFolderID)
	remapField(&op.FolderID)
	return changed
}

func checkAffected(res sql.Result, envID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("oplog: rows affected %s: %w", envID, err)
	}
	if n == 0 {
		return treeerr.New(treeerr.ClassConflict, "oplog", fmt.Errorf("%w: envelope %s", treeerr.ErrNotFound, envID))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(r rowScanner) (types.OperationEnvelope, error) {
	var (
		env       types.OperationEnvelope
		namespace string
		status    string
		opJSON    string
	)
	if err := r.Scan(&env.ID, &namespace, &env.TS, &status, &env.RetryCount, &env.LastError, &opJSON); err != nil {
		return types.OperationEnvelope{}, err
	}
	env.Namespace = types.Namespace(namespace)
	env.Status = types.Status(status)
	if err := json.Unmarshal([]byte(opJSON), &env.Op); err != nil {
		return types.OperationEnvelope{}, fmt.Errorf("oplog: decode op for %s: %w", env.ID, err)
	}
	return env, nil
}
