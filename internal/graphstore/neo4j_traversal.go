package graphstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jTraversal runs PPR and semantic-beam search against a mirrored
// property graph kept in Neo4j: entities as nodes, MENTIONS co-occurrence and
// SEMANTICALLY_SIMILAR/RELATED_TO edges as relationships. Both operations are
// graph-shaped (arbitrary hop traversal, weighted adjacency) and Cypher
// expresses them far more directly than hand-rolled SQL recursive CTEs, which
// is why the Graph Store splits its backend this way (grounded on
// lex00-wetwire-neo4j-go's driver-session usage, the only pack example that
// talks to Neo4j).
type Neo4jTraversal struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jTraversal opens a driver session against uri using basic auth.
func NewNeo4jTraversal(ctx context.Context, uri, username, password string) (*Neo4jTraversal, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4jTraversal{driver: driver}, nil
}

func (n *Neo4jTraversal) Close(ctx context.Context) error { return n.driver.Close(ctx) }

// PPR mirrors graphstore.MemStore.PPR's power-iteration algorithm, but pulls
// the co-occurrence adjacency from Neo4j in one query rather than holding the
// whole graph in process memory — the production path is meant to outgrow the
// in-memory benchmark scale (spec §8).
func (n *Neo4jTraversal) PPR(ctx context.Context, seedWeights map[string]float64, damping float64, topK int, groupID string) ([]ScoredNode, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rows, err := tx.Run(ctx, `
			MATCH (a:Entity {group_id: $groupID})-[r:CO_OCCURS|SEMANTICALLY_SIMILAR]->(b:Entity {group_id: $groupID})
			RETURN a.id AS from_id, b.id AS to_id, coalesce(r.weight, r.similarity, 1.0) AS weight`,
			map[string]any{"groupID": groupID})
		if err != nil {
			return nil, err
		}
		var edges []neo4jEdge
		for rows.Next(ctx) {
			rec := rows.Record()
			from, _ := rec.Get("from_id")
			to, _ := rec.Get("to_id")
			weight, _ := rec.Get("weight")
			edges = append(edges, neo4jEdge{from: from.(string), to: to.(string), weight: weight.(float64)})
		}
		return edges, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ppr adjacency query group=%s: %w", groupID, err)
	}

	edges := result.([]neo4jEdge)
	entitySet := map[string]bool{}
	for _, e := range edges {
		entitySet[e.from] = true
		entitySet[e.to] = true
	}
	for id := range seedWeights {
		entitySet[id] = true
	}

	entityIDs := make([]string, 0, len(entitySet))
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	idx := make(map[string]int, len(entityIDs))
	for i, id := range entityIDs {
		idx[id] = i
	}

	nNodes := len(entityIDs)
	adjacency := make([]adjacencyRow, nNodes)
	for i := range adjacency {
		adjacency[i] = adjacencyRow{edges: map[int]float64{}}
	}
	for _, e := range edges {
		ai, bi := idx[e.from], idx[e.to]
		adjacency[ai].edges[bi] += e.weight
		adjacency[ai].total += e.weight
	}

	teleport := make([]float64, nNodes)
	for id, w := range seedWeights {
		if i, ok := idx[id]; ok {
			teleport[i] = w
		}
	}

	rank := make([]float64, nNodes)
	copy(rank, teleport)

	const maxIterations = 60
	const convergenceEps = 1e-8
	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, nNodes)
		for i := range next {
			next[i] = (1 - damping) * teleport[i]
		}
		for i := 0; i < nNodes; i++ {
			if adjacency[i].total == 0 {
				continue
			}
			share := damping * rank[i] / adjacency[i].total
			for j, w := range adjacency[i].edges {
				next[j] += share * w
			}
		}
		delta := 0.0
		for i := range rank {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < convergenceEps {
			break
		}
	}

	scored := make([]ScoredNode, 0, nNodes)
	for i, id := range entityIDs {
		scored = append(scored, ScoredNode{NodeID: id, Score: rank[i]})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

type neo4jEdge struct {
	from, to string
	weight   float64
}

// SemanticBeam delegates the hop expansion to Cypher's variable-length path
// match; the path score (product of similarities), ordering and the
// beamWidth limit are also applied in Cypher. Unlike MemStore's in-process
// beam, paths are not pruned hop by hop, only the final result is limited.
func (n *Neo4jTraversal) SemanticBeam(ctx context.Context, startEntities []string, hops, beamWidth int, edgeTypes []EdgeType, groupID string) ([]Path, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	relFilter := cypherRelTypeFilter(edgeTypes)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rows, err := tx.Run(ctx, fmt.Sprintf(`
			MATCH path = (start:Entity {group_id: $groupID})-[rels:%s*1..%d]->(end:Entity {group_id: $groupID})
			WHERE start.id IN $starts
			RETURN [n IN nodes(path) | n.id] AS nodeIDs,
			       [r IN rels | {from: startNode(r).id, to: endNode(r).id, type: type(r), method: coalesce(r.method, ''), similarity: coalesce(r.similarity, 1.0)}] AS edges,
			       reduce(s = 1.0, r IN rels | s * coalesce(r.similarity, 1.0)) AS score
			ORDER BY score DESC
			LIMIT $limit`, relFilter, hops),
			map[string]any{"groupID": groupID, "starts": toAnySlice(startEntities), "limit": int64(beamWidth)})
		if err != nil {
			return nil, err
		}
		var paths []Path
		for rows.Next(ctx) {
			rec := rows.Record()
			nodeIDsRaw, _ := rec.Get("nodeIDs")
			edgesRaw, _ := rec.Get("edges")
			scoreRaw, _ := rec.Get("score")

			p := Path{Score: scoreRaw.(float64)}
			for _, v := range nodeIDsRaw.([]any) {
				p.Nodes = append(p.Nodes, v.(string))
			}
			for _, v := range edgesRaw.([]any) {
				m := v.(map[string]any)
				p.Edges = append(p.Edges, SemanticEdge{
					From:       m["from"].(string),
					To:         m["to"].(string),
					Type:       EdgeType(m["type"].(string)),
					Method:     m["method"].(string),
					Similarity: m["similarity"].(float64),
				})
			}
			paths = append(paths, p)
		}
		return paths, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("semantic_beam query group=%s: %w", groupID, err)
	}
	return result.([]Path), nil
}

func cypherRelTypeFilter(edgeTypes []EdgeType) string {
	if len(edgeTypes) == 0 {
		return "RELATED_TO|SEMANTICALLY_SIMILAR"
	}
	out := ""
	for i, t := range edgeTypes {
		if i > 0 {
			out += "|"
		}
		out += string(t)
	}
	return out
}

func toAnySlice(xs []string) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
