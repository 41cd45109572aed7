// Package workspace defines the port for provisioning task workspaces.
package workspace

import (
	"context"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

// Spec describes what a new workspace is forked from.
type Spec struct {
	ParentID    string
	TrunkBranch string
	Runtime     task.Runtime
}

// Provisioner creates and removes workspaces. Workspace ids equal task ids.
type Provisioner interface {
	// ForkOrCreate creates the workspace and returns its path. Calling it
	// for an existing workspace returns the existing path.
	ForkOrCreate(ctx context.Context, id string, spec Spec) (string, error)

	// RunInitHook runs the configured startup hook inside the workspace.
	RunInitHook(ctx context.Context, id string) error

	// Remove deletes the workspace. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// Path returns where the workspace lives, whether or not it exists.
	Path(id string) string
}
