package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/ragpipe/internal/log"
)

// PostgresDimension is the embedding dimensionality of the chunks
// table schema.
const PostgresDimension = 768

// Postgres stores index entries in PostgreSQL with the pgvector
// extension. Cosine distance is used for similarity; vectors are
// expected to be L2-normalized by the embedder.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger

	// docLocks serializes upserts touching the same document so a
	// document's chunk set is replaced atomically even under
	// concurrent re-ingestion.
	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

// NewPostgres creates a Postgres index store backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{
		pool:     pool,
		logger:   logger.With("component", "index", "backend", "pgvector"),
		docLocks: make(map[string]*sync.Mutex),
	}, nil
}

// lockDocuments acquires the per-document locks for every distinct
// document id among entries, in sorted order to avoid lock-order
// inversion. The returned function releases them.
func (p *Postgres) lockDocuments(entries []Entry) func() {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if !seen[e.DocumentID] {
			seen[e.DocumentID] = true
			ids = append(ids, e.DocumentID)
		}
	}
	sort.Strings(ids)

	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		p.mu.Lock()
		l, ok := p.docLocks[id]
		if !ok {
			l = &sync.Mutex{}
			p.docLocks[id] = l
		}
		p.mu.Unlock()
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Upsert inserts or replaces entries inside a single transaction, so a
// document's chunks are either all indexed or none are.
func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	unlock := p.lockDocuments(entries)
	defer unlock()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr("begin upsert", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const upsertSQL = `INSERT INTO chunks (id, document_id, content, embedding, metadata, model)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			model = EXCLUDED.model`

	batch := &pgx.Batch{}
	for _, e := range entries {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for %q: %w", e.ID, err)
		}
		vec := pgvector.NewVector(e.Vector)
		batch.Queue(upsertSQL, e.ID, e.DocumentID, e.Content, &vec, metadataJSON, e.Model)
	}

	results := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return wrapStoreErr("upsert batch", err)
		}
	}
	if err := results.Close(); err != nil {
		return wrapStoreErr("close upsert batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapStoreErr("commit upsert", err)
	}

	p.logger.Debug("upserted entries", "count", len(entries))
	return nil
}

// Query returns up to k matches ordered by descending cosine
// similarity, restricted by filter.
func (p *Postgres) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	vec := pgvector.NewVector(vector)
	args := []any{&vec}
	var conds []string

	// Equality predicates collapse into one JSONB containment check;
	// range predicates compare the field cast to numeric. document_id
	// is a column, not metadata, so it gets its own condition.
	eq := make(map[string]string)
	for _, pred := range filter {
		switch pred.Op {
		case OpEq:
			if pred.Field == FieldDocumentID {
				args = append(args, pred.Value)
				conds = append(conds, fmt.Sprintf("document_id = $%d", len(args)))
				continue
			}
			eq[pred.Field] = pred.Value
		case OpGte:
			args = append(args, pred.Field)
			field := len(args)
			args = append(args, pred.Value)
			conds = append(conds, fmt.Sprintf("(metadata->>$%d)::numeric >= $%d::numeric", field, field+1))
		case OpLte:
			args = append(args, pred.Field)
			field := len(args)
			args = append(args, pred.Value)
			conds = append(conds, fmt.Sprintf("(metadata->>$%d)::numeric <= $%d::numeric", field, field+1))
		}
	}
	if len(eq) > 0 {
		eqJSON, err := json.Marshal(eq)
		if err != nil {
			return nil, fmt.Errorf("marshaling filter: %w", err)
		}
		args = append(args, eqJSON)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}

	sql := `SELECT id, document_id, content, metadata, model,
		1 - (embedding <=> $1) AS similarity
		FROM chunks`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, k)
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapStoreErr("query", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var metadataJSON []byte
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Content, &metadataJSON, &m.Model, &m.Score); err != nil {
			return nil, wrapStoreErr("scan match", err)
		}
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			p.logger.Warn("unparseable metadata", "id", m.ID, "error", err)
			m.Metadata = map[string]string{}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("iterate matches", err)
	}

	return matches, nil
}

// Delete removes entries by chunk id. Missing ids are ignored.
func (p *Postgres) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids); err != nil {
		return wrapStoreErr("delete", err)
	}
	return nil
}

// DeleteByDocument removes every entry belonging to documentID.
func (p *Postgres) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return wrapStoreErr("delete by document", err)
	}
	return nil
}

// Count returns the number of entries matching filter.
func (p *Postgres) Count(ctx context.Context, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	var args []any
	var conds []string
	eq := make(map[string]string)
	for _, pred := range filter {
		switch pred.Op {
		case OpEq:
			if pred.Field == FieldDocumentID {
				args = append(args, pred.Value)
				conds = append(conds, fmt.Sprintf("document_id = $%d", len(args)))
				continue
			}
			eq[pred.Field] = pred.Value
		case OpGte, OpLte:
			op := ">="
			if pred.Op == OpLte {
				op = "<="
			}
			args = append(args, pred.Field)
			field := len(args)
			args = append(args, pred.Value)
			conds = append(conds, fmt.Sprintf("(metadata->>$%d)::numeric %s $%d::numeric", field, op, field+1))
		}
	}
	if len(eq) > 0 {
		eqJSON, err := json.Marshal(eq)
		if err != nil {
			return 0, fmt.Errorf("marshaling filter: %w", err)
		}
		args = append(args, eqJSON)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}

	sql := `SELECT COUNT(*) FROM chunks`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}

	var count int64
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, wrapStoreErr("count", err)
	}
	return count, nil
}

// Stats reports the total vector count and the schema dimensionality.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	count, err := p.Count(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Vectors: count, Dimension: PostgresDimension}, nil
}

// wrapStoreErr classifies a store failure: context cancellation is
// reported as-is, anything else as ErrUnavailable.
func wrapStoreErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
