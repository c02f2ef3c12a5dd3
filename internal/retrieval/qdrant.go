package retrieval

import (
	"context"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sells-group/fieldfill/internal/model"
)

// qdrantAPI is the subset of *qdrant.Client the index uses.
type qdrantAPI interface {
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Close() error
}

// QdrantConfig configures a Qdrant-backed index.
type QdrantConfig struct {
	Host           string
	Port           int
	UseTLS         bool
	APIKey         string
	Collection     string
	MaxMessageSize int
}

// QdrantIndex stores exemplars in a Qdrant collection with cosine distance.
// Domains share one collection and are separated by a keyword payload filter.
type QdrantIndex struct {
	client     qdrantAPI
	collection string

	mu      sync.Mutex
	ensured bool
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Collection == "" {
		return nil, eris.New("qdrant: collection name is required")
	}
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = 32 << 20
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMsg),
				grpc.MaxCallSendMsgSize(maxMsg),
			),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "qdrant: connect")
	}
	if !cfg.UseTLS {
		zap.L().Warn("qdrant: gRPC connection is plaintext", zap.String("host", cfg.Host))
	}
	return newQdrantIndex(client, cfg.Collection), nil
}

func newQdrantIndex(client qdrantAPI, collection string) *QdrantIndex {
	return &QdrantIndex{client: client, collection: collection}
}

// Search queries the collection filtered to domain.
func (q *QdrantIndex) Search(ctx context.Context, domain string, vector []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(keyDomain, domain)},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "qdrant: query %s", q.collection)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{Exemplar: exemplarFromPayload(p.GetPayload()), Score: p.GetScore()})
	}
	return hits, nil
}

// Upsert writes documents, creating the collection sized to the first
// vector when it does not exist.
func (q *QdrantIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, len(docs[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		ex := d.Exemplar
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(ex.Domain, ex.ID)),
			Vectors: qdrant.NewVectors(d.Vector...),
			Payload: map[string]*qdrant.Value{
				keyDomain:     qdrant.NewValueString(ex.Domain),
				keyExemplarID: qdrant.NewValueString(ex.ID),
				keyTranscript: qdrant.NewValueString(ex.Transcript),
				keyExpected:   qdrant.NewValueString(encodeExpected(ex.Expected)),
			},
		}
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return eris.Wrapf(err, "qdrant: upsert %d points", len(points))
	}
	return nil
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return eris.Wrapf(err, "qdrant: check collection %s", q.collection)
	}
	if !exists {
		zap.L().Info("qdrant: creating collection",
			zap.String("collection", q.collection),
			zap.Int("dimensions", dim),
		)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return eris.Wrapf(err, "qdrant: create collection %s", q.collection)
		}
	}
	q.ensured = true
	return nil
}

func exemplarFromPayload(payload map[string]*qdrant.Value) (ex model.Exemplar) {
	ex.ID = payload[keyExemplarID].GetStringValue()
	ex.Domain = payload[keyDomain].GetStringValue()
	ex.Transcript = payload[keyTranscript].GetStringValue()
	ex.Expected = decodeExpected(payload[keyExpected].GetStringValue())
	return ex
}
