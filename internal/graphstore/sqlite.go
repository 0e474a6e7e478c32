package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/rolegraph/rolegraph/internal/database"
	"github.com/rolegraph/rolegraph/internal/models"
)

// SQLiteBackend stores graphs in the graph_nodes and graph_edges tables
// created by the database migrations.
type SQLiteBackend struct {
	db *database.DB
}

func NewSQLiteBackend(db *database.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Probe(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op: the database handle belongs to the caller.
func (s *SQLiteBackend) Close() error { return nil }

func (s *SQLiteBackend) CreateNode(ctx context.Context, topic string, n models.GraphNode) error {
	return s.inTx(ctx, func(w sqliteWriter) error {
		return w.putNode(ctx, topic, n)
	})
}

func (s *SQLiteBackend) CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	return s.inTx(ctx, func(w sqliteWriter) error {
		return w.putEdge(ctx, topic, e)
	})
}

func (s *SQLiteBackend) GetGraph(ctx context.Context, topic string) (models.Graph, error) {
	g := models.EmptyGraph()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, level, type, parent_id, description, color FROM graph_nodes WHERE topic = ? ORDER BY rowid",
		topic)
	if err != nil {
		return g, fmt.Errorf("query nodes: %w", err)
	}
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.Name, &n.Level, &n.Type, &n.ParentID, &n.Description, &n.Color); err != nil {
			rows.Close()
			return g, fmt.Errorf("scan node: %w", err)
		}
		g.Nodes = append(g.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return g, err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT id, source_id, target_id, label, strength FROM graph_edges WHERE topic = ? ORDER BY rowid",
		topic)
	if err != nil {
		return g, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.GraphEdge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Label, &e.Strength); err != nil {
			return g, fmt.Errorf("scan edge: %w", err)
		}
		g.Edges = append(g.Edges, e)
	}
	return g, rows.Err()
}

// ReplaceGraph runs in one transaction. Entity failures are skipped inside
// it; a backend fault rolls the whole replace back.
func (s *SQLiteBackend) ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error) {
	var res ReplaceResult
	err := s.inTx(ctx, func(w sqliteWriter) error {
		var err error
		res, err = applyReplace(ctx, w, s.Name(), topic, nodes, edges)
		return err
	})
	return res, err
}

// inTx commits when fn succeeds or returns only an entity error.
func (s *SQLiteBackend) inTx(ctx context.Context, fn func(sqliteWriter) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	ferr := fn(sqliteWriter{tx})
	if ferr != nil && !IsEntityError(ferr) {
		tx.Rollback()
		return ferr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return ferr
}

type sqliteWriter struct{ tx *sql.Tx }

func (w sqliteWriter) exists(ctx context.Context, table, topic, id string) (bool, error) {
	var n int
	err := w.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE topic = ? AND id = ?", topic, id).Scan(&n)
	return n > 0, err
}

func (w sqliteWriter) clearTopic(ctx context.Context, topic string) error {
	if _, err := w.tx.ExecContext(ctx, "DELETE FROM graph_edges WHERE topic = ?", topic); err != nil {
		return err
	}
	_, err := w.tx.ExecContext(ctx, "DELETE FROM graph_nodes WHERE topic = ?", topic)
	return err
}

func (w sqliteWriter) putNode(ctx context.Context, topic string, n models.GraphNode) error {
	if n.HasParent() {
		ok, err := w.exists(ctx, "graph_nodes", topic, n.ParentID)
		if err != nil {
			return err
		}
		if !ok {
			return missingParent(n)
		}
	}
	_, err := w.tx.ExecContext(ctx, `INSERT INTO graph_nodes (topic, id, name, level, type, parent_id, description, color)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic, id) DO UPDATE SET
			name = excluded.name, level = excluded.level, type = excluded.type,
			parent_id = excluded.parent_id, description = excluded.description,
			color = excluded.color, updated_at = CURRENT_TIMESTAMP`,
		topic, n.ID, n.Name, n.Level, n.Type, n.ParentID, n.Description, n.Color)
	return classifySQLite(err)
}

func (w sqliteWriter) putEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	for _, end := range []struct{ which, id string }{{"source", e.SourceID}, {"target", e.TargetID}} {
		ok, err := w.exists(ctx, "graph_nodes", topic, end.id)
		if err != nil {
			return err
		}
		if !ok {
			return missingEndpoint(e, end.which, end.id)
		}
	}
	_, err := w.tx.ExecContext(ctx, `INSERT INTO graph_edges (topic, id, source_id, target_id, label, strength)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic, id) DO UPDATE SET
			source_id = excluded.source_id, target_id = excluded.target_id,
			label = excluded.label, strength = excluded.strength,
			updated_at = CURRENT_TIMESTAMP`,
		topic, e.ID, e.SourceID, e.TargetID, e.Label, e.Strength)
	return classifySQLite(err)
}

// classifySQLite maps constraint violations to entity errors; everything
// else stays a backend fault.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	return err
}
