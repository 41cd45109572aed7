package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/graphstore"
)

// GraphStore keeps the task graph in a single YAML document.
type GraphStore struct {
	path string
	mu   sync.Mutex
}

var _ graphstore.Store = (*GraphStore)(nil)

// NewGraphStore opens (or prepares to create) the document at path.
func NewGraphStore(path string) (*GraphStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create graph dir: %w", err)
	}
	return &GraphStore{path: path}, nil
}

func (s *GraphStore) lockPath() string { return s.path + ".lock" }

// Load returns the current document. A missing file is an empty graph.
func (s *GraphStore) Load(_ context.Context) (*task.Graph, error) {
	var g *task.Graph
	err := withFileLock(s.lockPath(), false, func() error {
		var err error
		g, err = s.read()
		return err
	})
	return g, err
}

// Edit applies fn to the document and writes it back atomically. The
// version counter increases by one per successful edit.
func (s *GraphStore) Edit(_ context.Context, fn graphstore.EditFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withFileLock(s.lockPath(), true, func() error {
		g, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		g.Version++
		data, err := yaml.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode graph: %w", err)
		}
		return writeAtomic(s.path, data, 0o600)
	})
}

// NewID returns a random UUID.
func (s *GraphStore) NewID() string {
	return uuid.NewString()
}

func (s *GraphStore) read() (*task.Graph, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &task.Graph{}, nil
		}
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var g task.Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", s.path, err)
	}
	return &g, nil
}
