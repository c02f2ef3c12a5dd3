package retrieval

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/sells-group/fieldfill/internal/model"
)

// Index is an external vector store of exemplars, partitioned by domain and
// ranked by cosine similarity.
type Index interface {
	// Search returns up to limit exemplars of domain, most similar first.
	Search(ctx context.Context, domain string, vector []float32, limit int) ([]Hit, error)
	// Upsert stores documents, creating the backing collection on first use.
	Upsert(ctx context.Context, docs []Document) error
	Close() error
}

// Document is an exemplar with its embedding.
type Document struct {
	Exemplar model.Exemplar
	Vector   []float32
}

// Hit is one search result.
type Hit struct {
	Exemplar model.Exemplar
	Score    float32
}

// Payload keys shared by the index backends.
const (
	keyDomain     = "domain"
	keyExemplarID = "exemplar_id"
	keyTranscript = "transcript"
	keyExpected   = "expected"
)

// pointID derives a stable UUID from the domain and exemplar id so
// re-ingesting an exemplar overwrites it.
func pointID(domain, exemplarID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(domain+"/"+exemplarID)).String()
}

func encodeExpected(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeExpected(s string) map[string]any {
	out := make(map[string]any)
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
