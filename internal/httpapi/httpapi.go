// Package httpapi is the server's §6.1 HTTP surface: it wires the broker,
// applicator, and oplog behind http.ServeMux pattern routes, grounded on
// the donor's internal/rpc/http_server.go and cmd/bd/web_server.go
// buildWebMux shape (method-gated handlers registered on one mux, JSON
// in/out, no framework).
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/treesync/core/internal/applicator"
	"github.com/treesync/core/internal/broker"
	"github.com/treesync/core/internal/types"
)

// Server wires the HTTP surface described in spec.md §6.1.
type Server struct {
	broker     *broker.Broker
	applicator *applicator.Applicator
	log        *slog.Logger
	mux        *http.ServeMux
}

// New builds a Server's routes. Call Handler to get the resulting
// http.Handler.
func New(b *broker.Broker, a *applicator.Applicator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{broker: b, applicator: a, log: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the composed http.Handler for this server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.HandleFunc("HEAD /api/ping", s.handlePing)
	s.mux.HandleFunc("POST /api/sync/{ns}/operations", s.handleSyncBatch)
	s.mux.HandleFunc("GET /api/{ns}/tree/node/{id}", s.handleTreeNode)
	s.mux.HandleFunc("GET /api/namespaces", s.handleNamespaces)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleEvents streams GET /api/events?namespace=NS per §6.2's framing:
// a connection frame, then heartbeats and app events, until the client
// disconnects or the broker force-closes the namespace.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ns := types.Namespace(r.URL.Query().Get("namespace"))
	if ns == "" {
		http.Error(w, "namespace is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	_, events, cancel := s.broker.Subscribe(ns, lastEventID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			writeSSEFrame(w, evt)
			flusher.Flush()
			if evt.Type == types.EventClose {
				return
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, evt types.Event) {
	if evt.ID != "" {
		fmt.Fprintf(w, "id: %s\n", evt.ID)
	}
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Data)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	count := s.broker.ConnectionCount(types.Namespace(ns))
	writeJSON(w, http.StatusOK, map[string]int{"connections": count})
}

type syncRequestBody struct {
	ClientID   string                    `json:"clientId"`
	Operations []types.OperationEnvelope `json:"operations"`
}

type syncResponseBody struct {
	Applied         []applicator.AppliedResult `json:"applied"`
	Mappings        map[string]string          `json:"mappings"`
	ServerTimestamp int64                       `json:"serverTimestamp"`
}

// handleSyncBatch serves POST /api/sync/:ns/operations, the only apply
// route exposed over HTTP (§9: "Implementers should expose only the
// batched path by default"); single-envelope apply (Applicator.ApplyOne)
// stays an internal capability of the applicator and is not called here.
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	ns := types.Namespace(r.PathValue("ns"))

	var body syncRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.log.Warn("httpapi: bad sync batch body", "namespace", ns, "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	applied, mappings, serverTS := s.applicator.ApplyBatch(r.Context(), ns, body.Operations)
	writeJSON(w, http.StatusOK, syncResponseBody{
		Applied:         applied,
		Mappings:        mappings,
		ServerTimestamp: serverTS,
	})
}

type treeNodeResponse struct {
	RootID types.NodeId               `json:"rootId"`
	Nodes  map[types.NodeId]*types.Node `json:"nodes"`
}

// handleTreeNode serves GET /api/:ns/tree/node/:id, pruning children to
// only those under an open folder per §6.1's note.
func (s *Server) handleTreeNode(w http.ResponseWriter, r *http.Request) {
	ns := types.Namespace(r.PathValue("ns"))
	id := types.NodeId(r.PathValue("id"))

	nodes, err := s.applicator.GetSubtree(r.Context(), ns, id)
	if err != nil {
		s.log.Debug("httpapi: tree node lookup failed", "namespace", ns, "id", id, "err", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	pruned := pruneClosedFolders(nodes, id)
	writeJSON(w, http.StatusOK, treeNodeResponse{RootID: id, Nodes: pruned})
}

// pruneClosedFolders keeps rootID and, transitively, every descendant
// whose parent chain back to rootID only passes through open folders.
// rootID itself is always expanded one level since the caller explicitly
// asked for it.
func pruneClosedFolders(nodes []*types.Node, rootID types.NodeId) map[types.NodeId]*types.Node {
	byParent := map[types.NodeId][]*types.Node{}
	byID := map[types.NodeId]*types.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
		if n.ParentID != nil {
			byParent[*n.ParentID] = append(byParent[*n.ParentID], n)
		}
	}

	out := map[types.NodeId]*types.Node{}
	root, ok := byID[rootID]
	if !ok {
		return out
	}
	out[rootID] = root

	var walk func(parentID types.NodeId, parentOpen bool)
	walk = func(parentID types.NodeId, parentOpen bool) {
		if !parentOpen {
			return
		}
		for _, child := range byParent[parentID] {
			out[child.ID] = child
			walk(child.ID, child.Kind == types.KindFolder && child.IsOpen)
		}
	}
	walk(rootID, true)
	return out
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.applicator.ListNamespaces(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summaries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
