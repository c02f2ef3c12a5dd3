package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fieldfill/internal/model"
)

const defaultListLimit = 20

// Store persists extraction runs recorded by the CLI. The engine itself
// never writes storage.
type Store interface {
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// Open creates the configured store and runs its migration.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "fieldfill.db"
		}
		s, err = NewSQLite(path)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewRun wraps a result as a Run ready to save.
func NewRun(domain string, result *model.ExtractionResult) *model.Run {
	return &model.Run{
		ID:           uuid.New().String(),
		Domain:       domain,
		Model:        result.ModelIdentifier,
		Completeness: result.Completeness,
		Result:       result,
		CreatedAt:    time.Now().UTC(),
	}
}

// prepare fills the id and timestamp of a run about to be written.
func prepare(run *model.Run) error {
	if run == nil || run.Result == nil {
		return eris.New("store: run has no result")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return nil
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
