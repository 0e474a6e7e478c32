// Package graphstore persists role-model knowledge graphs behind a single
// adapter that fails over from a graph-native primary to a local fallback.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/models"
)

var (
	// ErrInvalidEntity marks a node or edge the caller must fix. It never
	// triggers failover.
	ErrInvalidEntity = errors.New("invalid graph entity")
	// ErrParentNotFound marks a node whose parentId names no stored node.
	ErrParentNotFound = errors.New("parent node not found")
)

// StorageError is returned when the fallback backend also fails. The caller
// decides whether to retry the whole operation.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("graph storage %s failed on %s: %v", e.Op, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsEntityError reports whether err describes bad input rather than a
// backend fault.
func IsEntityError(err error) bool {
	return errors.Is(err, ErrInvalidEntity) || errors.Is(err, ErrParentNotFound)
}

// Backend is one concrete graph store. Implementations return entity errors
// wrapped around ErrInvalidEntity or ErrParentNotFound; any other error is a
// backend fault.
type Backend interface {
	Name() string
	Probe(ctx context.Context) error
	CreateNode(ctx context.Context, topic string, n models.GraphNode) error
	CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error
	GetGraph(ctx context.Context, topic string) (models.Graph, error)
	// ReplaceGraph receives nodes already in parent-before-child order.
	ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error)
	Close() error
}

// EntityFailure describes one node or edge ReplaceGraph could not write.
type EntityFailure struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ReplaceResult is a best-effort tally: a failed entity does not abort the
// remaining inserts.
type ReplaceResult struct {
	Backend      string          `json:"backend"`
	NodesWritten int             `json:"nodesWritten"`
	NodesFailed  int             `json:"nodesFailed"`
	EdgesWritten int             `json:"edgesWritten"`
	EdgesFailed  int             `json:"edgesFailed"`
	Failures     []EntityFailure `json:"failures,omitempty"`
}

// graphWriter is the per-entity write surface each backend exposes inside
// whatever transaction it runs a replace in.
type graphWriter interface {
	clearTopic(ctx context.Context, topic string) error
	putNode(ctx context.Context, topic string, n models.GraphNode) error
	putEdge(ctx context.Context, topic string, e models.GraphEdge) error
}

// applyReplace deletes the topic's graph and writes nodes then edges.
// Entity errors are tallied; the first backend fault aborts and is returned.
func applyReplace(ctx context.Context, w graphWriter, backend, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error) {
	res := ReplaceResult{Backend: backend}
	if err := w.clearTopic(ctx, topic); err != nil {
		return res, fmt.Errorf("clear topic: %w", err)
	}

	for _, n := range nodes {
		err := n.Validate()
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidEntity, err)
		} else {
			err = w.putNode(ctx, topic, n)
		}
		switch {
		case err == nil:
			res.NodesWritten++
		case IsEntityError(err):
			res.NodesFailed++
			res.Failures = append(res.Failures, EntityFailure{Kind: "node", ID: n.ID, Reason: err.Error()})
			logger.Warn("Graph replace %s: skipped node %q: %v", topic, n.ID, err)
		default:
			return res, fmt.Errorf("put node %q: %w", n.ID, err)
		}
	}

	for _, e := range edges {
		err := e.Validate()
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidEntity, err)
		} else {
			err = w.putEdge(ctx, topic, e)
		}
		switch {
		case err == nil:
			res.EdgesWritten++
		case IsEntityError(err):
			res.EdgesFailed++
			res.Failures = append(res.Failures, EntityFailure{Kind: "edge", ID: e.ID, Reason: err.Error()})
			logger.Warn("Graph replace %s: skipped edge %q: %v", topic, e.ID, err)
		default:
			return res, fmt.Errorf("put edge %q: %w", e.ID, err)
		}
	}
	return res, nil
}

// orderNodes returns nodes sorted by level, ties kept in insertion order,
// then adjusted so every node follows its parent when that parent is part of
// the batch. Nodes whose parent is missing or cyclic are left in place and
// fail individually on insert.
func orderNodes(nodes []models.GraphNode) []models.GraphNode {
	sorted := make([]models.GraphNode, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	present := make(map[string]bool, len(sorted))
	for _, n := range sorted {
		present[n.ID] = true
	}

	out := make([]models.GraphNode, 0, len(sorted))
	placed := make(map[string]bool, len(sorted))
	pending := sorted
	for len(pending) > 0 {
		var deferred []models.GraphNode
		for _, n := range pending {
			if !n.HasParent() || placed[n.ParentID] || !present[n.ParentID] {
				out = append(out, n)
				placed[n.ID] = true
				continue
			}
			deferred = append(deferred, n)
		}
		if len(deferred) == len(pending) {
			out = append(out, deferred...)
			break
		}
		pending = deferred
	}
	return out
}

func missingEndpoint(e models.GraphEdge, which, id string) error {
	return fmt.Errorf("%w: edge %q %s %q not found", ErrInvalidEntity, e.ID, which, id)
}

func missingParent(n models.GraphNode) error {
	return fmt.Errorf("%w: node %q references %q", ErrParentNotFound, n.ID, n.ParentID)
}
