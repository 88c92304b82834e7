package graphstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/skeinframe/graphrag/internal/apperr"
)

// PostgresStore is the production Store backing: deterministic nodes/edges
// and the four vector indexes live in Postgres + pgvector, queried through a
// pooled connection exactly as legal-gateway/worker.go configures its pgx
// pool (SetMaxOpenConns/SetMaxIdleConns analogues via pgxpool.Config).
// PPR and beam search delegate to a Neo4jTraversal since those are
// graph-shaped, parametric-Cypher operations (spec §4.2).
type PostgresStore struct {
	pool       *pgxpool.Pool
	traversal  *Neo4jTraversal
}

// NewPostgresStore opens a pooled connection to dsn and wires traversal as
// the PPR/beam-search backend.
func NewPostgresStore(ctx context.Context, dsn string, traversal *Neo4jTraversal) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, traversal: traversal}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) PutDocument(ctx context.Context, d Document) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, title, group_id, page_count, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Title, d.GroupID, d.PageCount)
	if err != nil {
		return fmt.Errorf("put document %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutSection(ctx context.Context, s Section) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sections (id, document_id, group_id, title, path_key, parent_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, path_key = EXCLUDED.path_key`,
		s.ID, s.DocumentID, s.GroupID, s.Title, s.PathKey, s.ParentID)
	if err != nil {
		return fmt.Errorf("put section %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutChunk(ctx context.Context, c TextChunk) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO text_chunks (id, document_id, group_id, section_id, text, embedding_v2)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, embedding_v2 = EXCLUDED.embedding_v2`,
		c.ID, c.DocumentID, c.GroupID, c.SectionID, c.Text, pgvector.NewVector(c.EmbeddingV2))
	if err != nil {
		return fmt.Errorf("put chunk %s: %w", c.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutSentence(ctx context.Context, s Sentence) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sentences (
			id, chunk_id, group_id, paragraph_id, section_path, parent_paragraph_text,
			page, confidence, char_offset, char_length, embedding_v2, source, next_id, prev_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),NULLIF($14,''))
		ON CONFLICT (id) DO UPDATE SET
			embedding_v2 = EXCLUDED.embedding_v2,
			next_id = EXCLUDED.next_id,
			prev_id = EXCLUDED.prev_id`,
		s.ID, s.ChunkID, s.GroupID, s.ParagraphID, s.SectionPath, s.ParentParagraphText,
		s.Page, s.Confidence, s.CharOffset, s.CharLength, pgvector.NewVector(s.EmbeddingV2), string(s.Source), s.NextID, s.PrevID)
	if err != nil {
		return fmt.Errorf("put sentence %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutEntity(ctx context.Context, e Entity) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO entities (id, group_id, canonical_name, aliases, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET canonical_name = EXCLUDED.canonical_name, aliases = EXCLUDED.aliases, embedding = EXCLUDED.embedding`,
		e.ID, e.GroupID, e.Canonical, e.Aliases, pgvector.NewVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutCommunity(ctx context.Context, c Community) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO communities (id, group_id, summary, summary_embedding, member_entity_ids)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET summary = EXCLUDED.summary, summary_embedding = EXCLUDED.summary_embedding, member_entity_ids = EXCLUDED.member_entity_ids`,
		c.ID, c.GroupID, c.Summary, pgvector.NewVector(c.SummaryEmbedding), c.MemberEntityIDs)
	if err != nil {
		return fmt.Errorf("put community %s: %w", c.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetCommunity(ctx context.Context, groupID, id string) (Community, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, summary, summary_embedding, member_entity_ids FROM communities WHERE id = $1 AND group_id = $2`, id, groupID)
	var c Community
	var vec pgvector.Vector
	if err := row.Scan(&c.ID, &c.Summary, &vec, &c.MemberEntityIDs); err != nil {
		return Community{}, fmt.Errorf("get community %s: %w", id, err)
	}
	c.GroupID = groupID
	c.SummaryEmbedding = vec.Slice()
	return c, nil
}

// CommunitiesInGroup enumerates every community in groupID.
func (p *PostgresStore) CommunitiesInGroup(ctx context.Context, groupID string) ([]Community, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, summary, summary_embedding, member_entity_ids FROM communities WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("communities in group %s: %w", groupID, err)
	}
	defer rows.Close()
	var out []Community
	for rows.Next() {
		var c Community
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.Summary, &vec, &c.MemberEntityIDs); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		c.GroupID = groupID
		c.SummaryEmbedding = vec.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LinkMentions(ctx context.Context, groupID, chunkID, entityID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO mentions_edges (group_id, chunk_id, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		groupID, chunkID, entityID)
	if err != nil {
		return fmt.Errorf("link mentions %s->%s: %w", chunkID, entityID, err)
	}
	return nil
}

// LinkSemanticEdge inserts a probabilistic RELATED_TO/SEMANTICALLY_SIMILAR
// edge. Callers (the k-NN builders in internal/indexing) are responsible for
// enforcing the sparsity budget (spec §3, "total semantic edges <= 2 x
// node-count") before calling this; the store does not second-guess it.
func (p *PostgresStore) LinkSemanticEdge(ctx context.Context, groupID string, e SemanticEdge) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO semantic_edges (group_id, from_id, to_id, edge_type, method, similarity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		groupID, e.From, e.To, string(e.Type), e.Method, e.Similarity)
	if err != nil {
		return fmt.Errorf("link semantic edge %s->%s: %w", e.From, e.To, err)
	}
	return nil
}

func (p *PostgresStore) GetSentence(ctx context.Context, groupID, id string) (Sentence, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, chunk_id, paragraph_id, section_path, parent_paragraph_text, page,
		       confidence, char_offset, char_length, embedding_v2, source,
		       coalesce(next_id, ''), coalesce(prev_id, '')
		FROM sentences WHERE id = $1 AND group_id = $2`, id, groupID)
	return scanSentence(row, groupID)
}

func scanSentence(row pgx.Row, groupID string) (Sentence, error) {
	var s Sentence
	var vec pgvector.Vector
	var source string
	if err := row.Scan(&s.ID, &s.ChunkID, &s.ParagraphID, &s.SectionPath, &s.ParentParagraphText,
		&s.Page, &s.Confidence, &s.CharOffset, &s.CharLength, &vec, &source, &s.NextID, &s.PrevID); err != nil {
		return Sentence{}, fmt.Errorf("scan sentence: %w", err)
	}
	s.GroupID = groupID
	s.EmbeddingV2 = vec.Slice()
	s.Source = SentenceSource(source)
	return s, nil
}

func (p *PostgresStore) GetChunk(ctx context.Context, groupID, id string) (TextChunk, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, document_id, group_id, coalesce(section_id, ''), text, embedding_v2
		FROM text_chunks WHERE id = $1 AND group_id = $2`, id, groupID)
	var c TextChunk
	var vec pgvector.Vector
	if err := row.Scan(&c.ID, &c.DocumentID, &c.GroupID, &c.SectionID, &c.Text, &vec); err != nil {
		return TextChunk{}, fmt.Errorf("get chunk %s: %w", id, err)
	}
	c.EmbeddingV2 = vec.Slice()
	return c, nil
}

func (p *PostgresStore) GetEntity(ctx context.Context, groupID, id string) (Entity, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, canonical_name, aliases, embedding FROM entities WHERE id = $1 AND group_id = $2`, id, groupID)
	var e Entity
	var vec pgvector.Vector
	if err := row.Scan(&e.ID, &e.Canonical, &e.Aliases, &vec); err != nil {
		return Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	e.GroupID = groupID
	e.Embedding = vec.Slice()
	return e, nil
}

func (p *PostgresStore) SentencesInChunk(ctx context.Context, groupID, chunkID string) ([]Sentence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, chunk_id, paragraph_id, section_path, parent_paragraph_text, page,
		       confidence, char_offset, char_length, embedding_v2, source,
		       coalesce(next_id, ''), coalesce(prev_id, '')
		FROM sentences WHERE chunk_id = $1 AND group_id = $2 ORDER BY char_offset`, chunkID, groupID)
	if err != nil {
		return nil, fmt.Errorf("sentences in chunk %s: %w", chunkID, err)
	}
	defer rows.Close()
	var out []Sentence
	for rows.Next() {
		s, err := scanSentence(rows, groupID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SentencesInGroup(ctx context.Context, groupID string) ([]Sentence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, chunk_id, paragraph_id, section_path, parent_paragraph_text, page,
		       confidence, char_offset, char_length, embedding_v2, source,
		       coalesce(next_id, ''), coalesce(prev_id, '')
		FROM sentences WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("sentences in group %s: %w", groupID, err)
	}
	defer rows.Close()
	var out []Sentence
	for rows.Next() {
		s, err := scanSentence(rows, groupID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EntitiesInGroup(ctx context.Context, groupID string) ([]Entity, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, canonical_name, aliases, embedding FROM entities WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("entities in group %s: %w", groupID, err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var e Entity
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.Canonical, &e.Aliases, &vec); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.GroupID = groupID
		e.Embedding = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EntitiesMentionedInSection(ctx context.Context, groupID, sectionPath string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT me.entity_id
		FROM mentions_edges me
		JOIN text_chunks c ON c.id = me.chunk_id AND c.group_id = me.group_id
		JOIN sections sec ON sec.id = c.section_id AND sec.group_id = me.group_id
		WHERE me.group_id = $1 AND sec.path_key = $2`, groupID, sectionPath)
	if err != nil {
		return nil, fmt.Errorf("entities mentioned in section %s: %w", sectionPath, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EntityDocumentMembership(ctx context.Context, groupID, entityID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT c.document_id
		FROM mentions_edges me
		JOIN text_chunks c ON c.id = me.chunk_id AND c.group_id = me.group_id
		WHERE me.group_id = $1 AND me.entity_id = $2
		ORDER BY 1`, groupID, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity document membership %s: %w", entityID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ChunksMentioningEntity(ctx context.Context, groupID, entityID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT chunk_id FROM mentions_edges WHERE group_id = $1 AND entity_id = $2 ORDER BY chunk_id`, groupID, entityID)
	if err != nil {
		return nil, fmt.Errorf("chunks mentioning entity %s: %w", entityID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SearchVectors pushes cosine similarity down into pgvector's `<=>` operator
// (cosine distance; score = 1 - distance) rather than pulling every
// embedding into the worker process (spec §5, "the worker never enumerates
// large edge sets client-side").
func (p *PostgresStore) SearchVectors(ctx context.Context, indexName string, queryVector []float32, k int, filter VectorFilter) ([]ScoredNode, error) {
	table, embedCol, idCol, extraFilter, args := vectorIndexTarget(indexName, filter)
	if table == "" {
		return nil, apperr.New(apperr.KindIndexMissing, "search_vectors", indexName, apperr.ErrIndexMissing)
	}

	query := fmt.Sprintf(`
		SELECT %s, 1 - (%s <=> $1) AS score
		FROM %s
		WHERE group_id = $2 %s
		ORDER BY %s <=> $1
		LIMIT $3`, idCol, embedCol, table, extraFilter, embedCol)

	args = append([]any{pgvector.NewVector(queryVector), filter.GroupID, k}, args...)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search_vectors %s: %w", indexName, err)
	}
	defer rows.Close()

	var out []ScoredNode
	for rows.Next() {
		var n ScoredNode
		if err := rows.Scan(&n.NodeID, &n.Score); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// vectorIndexTarget maps a named vector index to its backing table/column,
// matching the persisted state layout in spec §6.
func vectorIndexTarget(indexName string, filter VectorFilter) (table, embedCol, idCol, extraFilter string, args []any) {
	switch indexName {
	case "sentence_embeddings_v2":
		return "sentences", "embedding_v2", "id", "", nil
	case "entity_embedding_v2":
		return "entities", "embedding", "id", "", nil
	case "chunk_embedding_v2":
		if filter.DocumentID != "" {
			return "text_chunks", "embedding_v2", "id", "AND document_id = $4", []any{filter.DocumentID}
		}
		return "text_chunks", "embedding_v2", "id", "", nil
	case "community_summary_embedding_v2":
		return "communities", "summary_embedding", "id", "", nil
	default:
		return "", "", "", "", nil
	}
}

func (p *PostgresStore) PPR(ctx context.Context, seedWeights map[string]float64, damping float64, topK int, groupID string) ([]ScoredNode, error) {
	return p.traversal.PPR(ctx, seedWeights, damping, topK, groupID)
}

func (p *PostgresStore) SemanticBeam(ctx context.Context, startEntities []string, hops, beamWidth int, edgeTypes []EdgeType, groupID string) ([]Path, error) {
	return p.traversal.SemanticBeam(ctx, startEntities, hops, beamWidth, edgeTypes, groupID)
}

func (p *PostgresStore) NextSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]Sentence, error) {
	return p.walkSentenceChain(ctx, groupID, sentenceID, hops, true)
}

func (p *PostgresStore) PrevSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]Sentence, error) {
	return p.walkSentenceChain(ctx, groupID, sentenceID, hops, false)
}

func (p *PostgresStore) walkSentenceChain(ctx context.Context, groupID, sentenceID string, hops int, forward bool) ([]Sentence, error) {
	var out []Sentence
	cur := sentenceID
	for i := 0; i < hops; i++ {
		s, err := p.GetSentence(ctx, groupID, cur)
		if err != nil {
			break
		}
		next := s.NextID
		if !forward {
			next = s.PrevID
		}
		if next == "" {
			break
		}
		ns, err := p.GetSentence(ctx, groupID, next)
		if err != nil {
			break
		}
		out = append(out, ns)
		cur = next
	}
	return out, nil
}

func (p *PostgresStore) RelatedSentences(ctx context.Context, groupID, sentenceID string, hops int) ([]SemanticEdge, error) {
	rows, err := p.pool.Query(ctx, `
		WITH RECURSIVE walk(from_id, to_id, depth) AS (
			SELECT from_id, to_id, 1 FROM semantic_edges
			WHERE group_id = $1 AND edge_type = 'RELATED_TO' AND from_id = $2
			UNION ALL
			SELECT e.from_id, e.to_id, w.depth + 1
			FROM semantic_edges e
			JOIN walk w ON e.from_id = w.to_id AND e.group_id = $1 AND e.edge_type = 'RELATED_TO'
			WHERE w.depth < $3
		)
		SELECT se.from_id, se.to_id, se.method, se.similarity
		FROM walk w
		JOIN semantic_edges se ON se.from_id = w.from_id AND se.to_id = w.to_id AND se.group_id = $1`,
		groupID, sentenceID, hops)
	if err != nil {
		return nil, fmt.Errorf("related sentences %s: %w", sentenceID, err)
	}
	defer rows.Close()
	var out []SemanticEdge
	for rows.Next() {
		e := SemanticEdge{Type: EdgeRelatedTo}
		if err := rows.Scan(&e.From, &e.To, &e.Method, &e.Similarity); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetIndexState(ctx context.Context, groupID string) (IndexState, error) {
	row := p.pool.QueryRow(ctx, `SELECT state FROM index_state WHERE group_id = $1`, groupID)
	var s string
	if err := row.Scan(&s); err != nil {
		if err == pgx.ErrNoRows {
			return StateIngested, nil
		}
		return "", fmt.Errorf("get index state %s: %w", groupID, err)
	}
	return IndexState(s), nil
}

func (p *PostgresStore) SetIndexState(ctx context.Context, groupID string, state IndexState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO index_state (group_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (group_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		groupID, string(state))
	if err != nil {
		return fmt.Errorf("set index state %s: %w", groupID, err)
	}
	return nil
}

func (p *PostgresStore) CountSentences(ctx context.Context, groupID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM sentences WHERE group_id = $1`, groupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sentences %s: %w", groupID, err)
	}
	return n, nil
}

func (p *PostgresStore) CountRelatedToEdges(ctx context.Context, groupID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM semantic_edges WHERE group_id = $1 AND edge_type = 'RELATED_TO'`, groupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count related_to %s: %w", groupID, err)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
