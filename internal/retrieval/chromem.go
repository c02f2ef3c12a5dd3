package retrieval

import (
	"context"

	"github.com/philippgille/chromem-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fieldfill/internal/model"
)

// ChromemIndex is an embedded exemplar index for local use and tests. With an
// empty path it lives in memory only.
type ChromemIndex struct {
	db         *chromem.DB
	collection string
}

// NewChromemIndex opens (or creates) a chromem database. compress applies
// to persisted files only.
func NewChromemIndex(path string, compress bool, collection string) (*ChromemIndex, error) {
	if collection == "" {
		return nil, eris.New("chromem: collection name is required")
	}
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, eris.Wrapf(err, "chromem: open %s", path)
		}
	}
	return &ChromemIndex{db: db, collection: collection}, nil
}

// Vectors are always supplied by the Retriever; chromem must never embed.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, eris.New("chromem: documents must carry precomputed embeddings")
}

func (c *ChromemIndex) col() (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(c.collection, nil, noEmbedding)
	if err != nil {
		return nil, eris.Wrapf(err, "chromem: collection %s", c.collection)
	}
	return col, nil
}

// Search returns the most similar exemplars of domain.
func (c *ChromemIndex) Search(ctx context.Context, domain string, vector []float32, limit int) ([]Hit, error) {
	col, err := c.col()
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, map[string]string{keyDomain: domain}, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "chromem: query %s", c.collection)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			Exemplar: model.Exemplar{
				ID:         r.Metadata[keyExemplarID],
				Domain:     r.Metadata[keyDomain],
				Transcript: r.Content,
				Expected:   decodeExpected(r.Metadata[keyExpected]),
			},
			Score: r.Similarity,
		})
	}
	return hits, nil
}

// Upsert adds documents; an existing id is overwritten.
func (c *ChromemIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := c.col()
	if err != nil {
		return err
	}

	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		ex := d.Exemplar
		out[i] = chromem.Document{
			ID:        pointID(ex.Domain, ex.ID),
			Content:   ex.Transcript,
			Embedding: d.Vector,
			Metadata: map[string]string{
				keyDomain:     ex.Domain,
				keyExemplarID: ex.ID,
				keyExpected:   encodeExpected(ex.Expected),
			},
		}
	}
	if err := col.AddDocuments(ctx, out, 1); err != nil {
		return eris.Wrapf(err, "chromem: add %d documents", len(out))
	}
	return nil
}

// Close is a no-op; persistent databases write through on every change.
func (c *ChromemIndex) Close() error {
	return nil
}
