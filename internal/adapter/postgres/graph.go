package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/graphstore"
)

// DefaultGraphName names the row holding the scheduler's graph.
const DefaultGraphName = "default"

// GraphStore keeps the task graph as one JSONB row. Edits lock the row
// with SELECT ... FOR UPDATE, so concurrent editors serialize in the database.
type GraphStore struct {
	pool *pgxpool.Pool
	name string
}

var _ graphstore.Store = (*GraphStore)(nil)

// NewGraphStore creates a store for the graph row called name.
func NewGraphStore(pool *pgxpool.Pool, name string) *GraphStore {
	if name == "" {
		name = DefaultGraphName
	}
	return &GraphStore{pool: pool, name: name}
}

// Load returns the current document. A missing row is an empty graph.
func (s *GraphStore) Load(ctx context.Context) (*task.Graph, error) {
	var (
		doc     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT document, version FROM task_graphs WHERE name = $1`, s.name).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return &task.Graph{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	return decodeGraph(doc, version)
}

// Edit runs fn inside a transaction holding the row lock.
func (s *GraphStore) Edit(ctx context.Context, fn graphstore.EditFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO task_graphs (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, s.name); err != nil {
		return fmt.Errorf("ensure task graph row: %w", err)
	}

	var (
		doc     []byte
		version int64
	)
	if err := tx.QueryRow(ctx,
		`SELECT document, version FROM task_graphs WHERE name = $1 FOR UPDATE`, s.name).Scan(&doc, &version); err != nil {
		return fmt.Errorf("lock task graph: %w", err)
	}

	g, err := decodeGraph(doc, version)
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}
	g.Version = version + 1

	out, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode task graph: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE task_graphs SET document = $2, version = $3, updated_at = now() WHERE name = $1`,
		s.name, out, g.Version); err != nil {
		return fmt.Errorf("update task graph: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NewID returns a random UUID.
func (s *GraphStore) NewID() string {
	return uuid.NewString()
}

func decodeGraph(doc []byte, version int64) (*task.Graph, error) {
	var g task.Graph
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, fmt.Errorf("decode task graph: %w", err)
		}
	}
	g.Version = version
	return &g, nil
}
