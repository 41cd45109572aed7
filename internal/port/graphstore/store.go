// Package graphstore defines the port for the durable task graph document.
package graphstore

import (
	"context"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

// EditFunc mutates the graph in place. Returning an error aborts the edit
// and leaves the stored document untouched.
type EditFunc func(g *task.Graph) error

// Store persists the whole task graph as one document.
type Store interface {
	// Load returns a private copy of the current document.
	Load(ctx context.Context) (*task.Graph, error)

	// Edit performs an atomic read-modify-write. Concurrent Edits are
	// serialized; fn always sees the result of the previous Edit.
	Edit(ctx context.Context, fn EditFunc) error

	// NewID returns a stable unique identifier for a new task.
	NewID() string
}
