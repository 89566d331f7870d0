// Package index persists (vector, metadata) pairs in an external
// vector store and executes nearest-neighbor queries with metadata
// filters.
//
// Two backends are provided: Postgres (pgvector) and Qdrant. Both
// guarantee idempotent upserts keyed by chunk id and serialize upserts
// affecting the same document so a document's chunks are indexed
// all-or-nothing.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnavailable indicates the vector store could not be reached or
	// failed mid-operation. Transient; callers decide whether to retry.
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrUnsupportedFilter indicates a filter uses an operator the
	// adapter does not support. Caller error, never retried.
	ErrUnsupportedFilter = errors.New("unsupported filter")
)

// Op is a filter predicate operator.
type Op string

// Supported filter operators. Filters are a conjunction of these.
const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Predicate is a single condition over a metadata field.
// OpEq matches the exact string value; OpGte/OpLte compare the field
// parsed as a number.
type Predicate struct {
	Field string
	Op    Op
	Value string
}

// Filter is a conjunction of predicates. A nil or empty filter matches
// every entry.
type Filter []Predicate

// Validate checks that every predicate uses a supported operator and a
// usable value. Range predicate values must parse as numbers.
func (f Filter) Validate() error {
	for _, p := range f {
		if p.Field == "" {
			return fmt.Errorf("%w: predicate with empty field", ErrUnsupportedFilter)
		}
		switch p.Op {
		case OpEq:
		case OpGte, OpLte:
			if _, err := strconv.ParseFloat(p.Value, 64); err != nil {
				return fmt.Errorf("%w: %s requires a numeric value, got %q", ErrUnsupportedFilter, p.Op, p.Value)
			}
		default:
			return fmt.Errorf("%w: operator %q", ErrUnsupportedFilter, p.Op)
		}
	}
	return nil
}

// FieldDocumentID filters on the entry's document id rather than its
// metadata. Both backends treat it as a reserved field.
const FieldDocumentID = "document_id"

// Eq builds an equality predicate.
func Eq(field, value string) Predicate { return Predicate{Field: field, Op: OpEq, Value: value} }

// Gte builds a greater-or-equal predicate over a numeric field.
func Gte(field string, value float64) Predicate {
	return Predicate{Field: field, Op: OpGte, Value: strconv.FormatFloat(value, 'f', -1, 64)}
}

// Lte builds a less-or-equal predicate over a numeric field.
func Lte(field string, value float64) Predicate {
	return Predicate{Field: field, Op: OpLte, Value: strconv.FormatFloat(value, 'f', -1, 64)}
}

// Entry is the persisted unit: a chunk's id, vector, text and metadata.
// ID equals the chunk id; DocumentID groups entries for atomic
// replacement and cascade deletion.
type Entry struct {
	ID         string
	DocumentID string
	Vector     []float32
	Content    string
	Metadata   map[string]string
	Model      string // embedding model id that produced Vector
}

// Match is one nearest-neighbor result, ordered by descending Score.
type Match struct {
	ID         string
	DocumentID string
	Content    string
	Score      float32
	Metadata   map[string]string
	Model      string
}

// Stats summarizes an index.
type Stats struct {
	Vectors   int64
	Dimension int
}

// ValidateEntries checks a batch before an upsert: ids and document
// ids must be set and every vector must share one dimensionality.
func ValidateEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dim := len(entries[0].Vector)
	for _, e := range entries {
		if e.ID == "" {
			return errors.New("entry id is required")
		}
		if e.DocumentID == "" {
			return fmt.Errorf("entry %q: document id is required", e.ID)
		}
		if len(e.Vector) != dim {
			return fmt.Errorf("entry %q: vector dimension %d, want %d", e.ID, len(e.Vector), dim)
		}
	}
	return nil
}

// Store is the vector index adapter contract.
//
// Query never returns more than k matches and returns fewer only when
// fewer entries satisfy the filter. Upsert is idempotent: re-upserting
// an id replaces its vector and metadata.
type Store interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Count(ctx context.Context, filter Filter) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}
