package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rolegraph/rolegraph/internal/models"
)

// Neo4jBackend is the graph-native primary. Nodes are :RoleNode labelled
// and scoped by a topic property; parent links are materialized as
// [:CHILD_OF] and edges as [:RELATES].
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jBackend builds the driver without connecting; the adapter's probe
// verifies connectivity.
func NewNeo4jBackend(uri, user, password, database string) (*Neo4jBackend, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jBackend{driver: driver, database: database}, nil
}

func (b *Neo4jBackend) Name() string { return "neo4j" }

// Probe verifies connectivity and makes sure the lookup index exists.
func (b *Neo4jBackend) Probe(ctx context.Context) error {
	if err := b.driver.VerifyConnectivity(ctx); err != nil {
		return err
	}
	_, err := neo4j.ExecuteQuery(ctx, b.driver,
		"CREATE INDEX role_node_topic_id IF NOT EXISTS FOR (n:RoleNode) ON (n.topic, n.id)",
		nil, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(b.database))
	return err
}

func (b *Neo4jBackend) Close() error {
	return b.driver.Close(context.Background())
}

func (b *Neo4jBackend) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: b.database})
}

// write runs fn in a managed write transaction. Entity errors are carried
// out as a value so the transaction still commits.
func (b *Neo4jBackend) write(ctx context.Context, fn func(w neo4jWriter) (interface{}, error)) (interface{}, error) {
	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var entityErr error
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		entityErr = nil
		v, err := fn(neo4jWriter{tx})
		if err != nil && IsEntityError(err) {
			entityErr = err
			return v, nil
		}
		return v, err
	})
	if err != nil {
		return nil, err
	}
	return out, entityErr
}

func (b *Neo4jBackend) CreateNode(ctx context.Context, topic string, n models.GraphNode) error {
	_, err := b.write(ctx, func(w neo4jWriter) (interface{}, error) {
		return nil, w.putNode(ctx, topic, n)
	})
	return err
}

func (b *Neo4jBackend) CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	_, err := b.write(ctx, func(w neo4jWriter) (interface{}, error) {
		return nil, w.putEdge(ctx, topic, e)
	})
	return err
}

func (b *Neo4jBackend) ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error) {
	out, err := b.write(ctx, func(w neo4jWriter) (interface{}, error) {
		return applyReplace(ctx, w, b.Name(), topic, nodes, edges)
	})
	if err != nil {
		return ReplaceResult{Backend: b.Name()}, err
	}
	res, _ := out.(ReplaceResult)
	return res, nil
}

func (b *Neo4jBackend) GetGraph(ctx context.Context, topic string) (models.Graph, error) {
	session := b.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		g := models.EmptyGraph()

		result, err := tx.Run(ctx, `
			MATCH (n:RoleNode {topic: $topic})
			RETURN n.id AS id, n.name AS name, n.level AS level, n.type AS type,
			       n.parentId AS parent_id, n.description AS description, n.color AS color
			ORDER BY n.createdAt, n.id`,
			map[string]interface{}{"topic": topic})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			g.Nodes = append(g.Nodes, models.GraphNode{
				ID:          getStringFromRecord(record, "id"),
				Name:        getStringFromRecord(record, "name"),
				Level:       getIntFromRecord(record, "level"),
				Type:        getStringFromRecord(record, "type"),
				ParentID:    getStringFromRecord(record, "parent_id"),
				Description: getStringFromRecord(record, "description"),
				Color:       getStringFromRecord(record, "color"),
			})
		}

		result, err = tx.Run(ctx, `
			MATCH (s:RoleNode {topic: $topic})-[r:RELATES]->(t:RoleNode {topic: $topic})
			RETURN r.id AS id, s.id AS source_id, t.id AS target_id, r.label AS label, r.strength AS strength
			ORDER BY r.createdAt, r.id`,
			map[string]interface{}{"topic": topic})
		if err != nil {
			return nil, err
		}
		records, err = result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			g.Edges = append(g.Edges, models.GraphEdge{
				ID:       getStringFromRecord(record, "id"),
				SourceID: getStringFromRecord(record, "source_id"),
				TargetID: getStringFromRecord(record, "target_id"),
				Label:    getStringFromRecord(record, "label"),
				Strength: getIntFromRecord(record, "strength"),
			})
		}
		return g, nil
	})
	if err != nil {
		return models.EmptyGraph(), err
	}
	return out.(models.Graph), nil
}

type neo4jWriter struct{ tx neo4j.ManagedTransaction }

func (w neo4jWriter) run(ctx context.Context, query string, params map[string]interface{}) ([]*neo4j.Record, error) {
	result, err := w.tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func (w neo4jWriter) clearTopic(ctx context.Context, topic string) error {
	_, err := w.run(ctx, "MATCH (n:RoleNode {topic: $topic}) DETACH DELETE n",
		map[string]interface{}{"topic": topic})
	return err
}

// putNode upserts the node and re-points its CHILD_OF relation. No row comes
// back when the declared parent does not exist.
func (w neo4jWriter) putNode(ctx context.Context, topic string, n models.GraphNode) error {
	records, err := w.run(ctx, `
		OPTIONAL MATCH (p:RoleNode {topic: $topic, id: $parentId})
		WITH p WHERE $parentId = '' OR p IS NOT NULL
		MERGE (n:RoleNode {topic: $topic, id: $id})
		ON CREATE SET n.createdAt = datetime()
		SET n.name = $name, n.level = $level, n.type = $type, n.parentId = $parentId,
		    n.description = $description, n.color = $color, n.updatedAt = datetime()
		WITH n, p
		OPTIONAL MATCH (n)-[old:CHILD_OF]->()
		DELETE old
		WITH DISTINCT n, p
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END | MERGE (n)-[:CHILD_OF]->(p))
		RETURN n.id AS id`,
		map[string]interface{}{
			"topic":       topic,
			"id":          n.ID,
			"name":        n.Name,
			"level":       n.Level,
			"type":        n.Type,
			"parentId":    n.ParentID,
			"description": n.Description,
			"color":       n.Color,
		})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return missingParent(n)
	}
	return nil
}

func (w neo4jWriter) putEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	records, err := w.run(ctx, `
		OPTIONAL MATCH (s:RoleNode {topic: $topic, id: $sourceId})
		OPTIONAL MATCH (t:RoleNode {topic: $topic, id: $targetId})
		RETURN s IS NOT NULL AS has_source, t IS NOT NULL AS has_target`,
		map[string]interface{}{"topic": topic, "sourceId": e.SourceID, "targetId": e.TargetID})
	if err != nil {
		return err
	}
	if len(records) == 0 || !getBoolFromRecord(records[0], "has_source") {
		return missingEndpoint(e, "source", e.SourceID)
	}
	if !getBoolFromRecord(records[0], "has_target") {
		return missingEndpoint(e, "target", e.TargetID)
	}

	// An edge id may move between endpoints, so the old relation goes first.
	if _, err := w.run(ctx, "MATCH ()-[old:RELATES {topic: $topic, id: $id}]->() DELETE old",
		map[string]interface{}{"topic": topic, "id": e.ID}); err != nil {
		return err
	}
	_, err = w.run(ctx, `
		MATCH (s:RoleNode {topic: $topic, id: $sourceId}), (t:RoleNode {topic: $topic, id: $targetId})
		CREATE (s)-[:RELATES {topic: $topic, id: $id, label: $label, strength: $strength, createdAt: datetime()}]->(t)`,
		map[string]interface{}{
			"topic":    topic,
			"id":       e.ID,
			"sourceId": e.SourceID,
			"targetId": e.TargetID,
			"label":    e.Label,
			"strength": e.Strength,
		})
	return err
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getIntFromRecord(record *neo4j.Record, key string) int {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func getBoolFromRecord(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return false
	}
	b, _ := val.(bool)
	return b
}
