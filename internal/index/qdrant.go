package index

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/koopa0/ragpipe/internal/log"
)

// QdrantDimension is the vector size the collection is created with.
const QdrantDimension = 768

// Reserved payload keys. Metadata keys colliding with these are
// dropped at upsert time.
const (
	payloadChunkID    = "chunk_id"
	payloadDocumentID = "document_id"
	payloadContent    = "content"
	payloadModel      = "model"
)

// qdrantNamespace derives stable point UUIDs from chunk ids, so
// re-ingesting a document overwrites its previous points.
var qdrantNamespace = uuid.MustParse("7b1e9a43-55c2-4f0d-9d36-8a4fb0e2a6c1")

// Qdrant stores index entries in a Qdrant collection over gRPC.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections qdrantclient.CollectionsClient
	points      qdrantclient.PointsClient
	collection  string
	logger      log.Logger
}

// NewQdrant connects to a Qdrant instance at addr (host:port) and
// ensures the named collection exists with cosine distance.
func NewQdrant(ctx context.Context, addr, collection string, logger log.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrUnavailable, err)
	}

	q := &Qdrant{
		conn:        conn,
		collections: qdrantclient.NewCollectionsClient(conn),
		points:      qdrantclient.NewPointsClient(conn),
		collection:  collection,
		logger:      logger.With("component", "index", "backend", "qdrant"),
	}

	if err := q.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	collections, err := q.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return wrapStoreErr("list collections", err)
	}
	for _, col := range collections.GetCollections() {
		if col.GetName() == q.collection {
			return nil
		}
	}

	q.logger.Info("creating collection", "name", q.collection, "dimension", QdrantDimension)
	_, err = q.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(QdrantDimension),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return wrapStoreErr("create collection", err)
	}
	return nil
}

func pointID(chunkID string) *qdrantclient.PointId {
	return &qdrantclient.PointId{
		PointIdOptions: &qdrantclient.PointId_Uuid{
			Uuid: uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String(),
		},
	}
}

func stringValue(s string) *qdrantclient.Value {
	return &qdrantclient.Value{Kind: &qdrantclient.Value_StringValue{StringValue: s}}
}

// payloadValue stores numeric-looking metadata as doubles so range
// conditions can compare them. buildConditions applies the same parse
// rule, so equality filters stay consistent.
func payloadValue(s string) *qdrantclient.Value {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return &qdrantclient.Value{Kind: &qdrantclient.Value_DoubleValue{DoubleValue: f}}
	}
	return stringValue(s)
}

// Upsert writes entries as points in a single request. Qdrant applies
// the batch atomically per request.
func (q *Qdrant) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrantclient.PointStruct, 0, len(entries))
	for _, e := range entries {
		payload := map[string]*qdrantclient.Value{
			payloadChunkID:    stringValue(e.ID),
			payloadDocumentID: stringValue(e.DocumentID),
			payloadContent:    stringValue(e.Content),
			payloadModel:      stringValue(e.Model),
		}
		for k, v := range e.Metadata {
			switch k {
			case payloadChunkID, payloadDocumentID, payloadContent, payloadModel:
				continue
			}
			payload[k] = payloadValue(v)
		}

		points = append(points, &qdrantclient.PointStruct{
			Id: pointID(e.ID),
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: e.Vector},
				},
			},
			Payload: payload,
		})
	}

	wait := true
	_, err := q.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return wrapStoreErr("upsert points", err)
	}

	q.logger.Debug("upserted entries", "count", len(entries))
	return nil
}

// buildConditions translates a validated Filter into qdrant
// conditions. Equality on a numeric-looking value becomes a closed
// range so it matches double payloads; reserved keys are always
// stored as strings, so they keep keyword matching.
func buildConditions(filter Filter) []*qdrantclient.Condition {
	var conds []*qdrantclient.Condition
	for _, pred := range filter {
		field := &qdrantclient.FieldCondition{Key: pred.Field}
		reserved := false
		switch pred.Field {
		case payloadChunkID, payloadDocumentID, payloadContent, payloadModel:
			reserved = true
		}
		switch pred.Op {
		case OpEq:
			if f, err := strconv.ParseFloat(pred.Value, 64); err == nil && !reserved {
				v := f
				field.Range = &qdrantclient.Range{Gte: &v, Lte: &v}
			} else {
				field.Match = &qdrantclient.Match{
					MatchValue: &qdrantclient.Match_Keyword{Keyword: pred.Value},
				}
			}
		case OpGte:
			f, _ := strconv.ParseFloat(pred.Value, 64)
			field.Range = &qdrantclient.Range{Gte: &f}
		case OpLte:
			f, _ := strconv.ParseFloat(pred.Value, 64)
			field.Range = &qdrantclient.Range{Lte: &f}
		}
		conds = append(conds, &qdrantclient.Condition{
			ConditionOneOf: &qdrantclient.Condition_Field{Field: field},
		})
	}
	return conds
}

func qdrantFilter(filter Filter) *qdrantclient.Filter {
	conds := buildConditions(filter)
	if len(conds) == 0 {
		return nil
	}
	return &qdrantclient.Filter{Must: conds}
}

// Query returns up to k matches ordered by descending cosine
// similarity, restricted by filter.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	resp, err := q.points.Search(ctx, &qdrantclient.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		Filter:         qdrantFilter(filter),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, wrapStoreErr("search points", err)
	}

	var matches []Match
	for _, point := range resp.GetResult() {
		m := Match{
			Score:    point.GetScore(),
			Metadata: map[string]string{},
		}
		for k, v := range point.GetPayload() {
			var s string
			switch kind := v.GetKind().(type) {
			case *qdrantclient.Value_StringValue:
				s = kind.StringValue
			case *qdrantclient.Value_DoubleValue:
				s = strconv.FormatFloat(kind.DoubleValue, 'f', -1, 64)
			case *qdrantclient.Value_IntegerValue:
				s = strconv.FormatInt(kind.IntegerValue, 10)
			default:
				continue
			}
			switch k {
			case payloadChunkID:
				m.ID = s
			case payloadDocumentID:
				m.DocumentID = s
			case payloadContent:
				m.Content = s
			case payloadModel:
				m.Model = s
			default:
				m.Metadata[k] = s
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Delete removes points by chunk id. Missing ids are ignored.
func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrantclient.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}

	wait := true
	_, err := q.points.Delete(ctx, &qdrantclient.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrantclient.PointsSelector{
			PointsSelectorOneOf: &qdrantclient.PointsSelector_Points{
				Points: &qdrantclient.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: &wait,
	})
	if err != nil {
		return wrapStoreErr("delete points", err)
	}
	return nil
}

// DeleteByDocument removes every point belonging to documentID.
func (q *Qdrant) DeleteByDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := q.points.Delete(ctx, &qdrantclient.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrantclient.PointsSelector{
			PointsSelectorOneOf: &qdrantclient.PointsSelector_Filter{
				Filter: &qdrantclient.Filter{
					Must: []*qdrantclient.Condition{{
						ConditionOneOf: &qdrantclient.Condition_Field{
							Field: &qdrantclient.FieldCondition{
								Key: payloadDocumentID,
								Match: &qdrantclient.Match{
									MatchValue: &qdrantclient.Match_Keyword{Keyword: documentID},
								},
							},
						},
					}},
				},
			},
		},
		Wait: &wait,
	})
	if err != nil {
		return wrapStoreErr("delete by document", err)
	}
	return nil
}

// Count returns the number of points matching filter.
func (q *Qdrant) Count(ctx context.Context, filter Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	exact := true
	resp, err := q.points.Count(ctx, &qdrantclient.CountPoints{
		CollectionName: q.collection,
		Filter:         qdrantFilter(filter),
		Exact:          &exact,
	})
	if err != nil {
		return 0, wrapStoreErr("count points", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

// Stats reports the total point count and the collection
// dimensionality.
func (q *Qdrant) Stats(ctx context.Context) (Stats, error) {
	count, err := q.Count(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Vectors: count, Dimension: QdrantDimension}, nil
}

var _ Store = (*Qdrant)(nil)
var _ Store = (*Postgres)(nil)
