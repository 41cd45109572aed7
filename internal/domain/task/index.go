package task

import (
	"fmt"
	"slices"
)

// MaxHops bounds every walk over parent links. Exceeding it means the
// persisted graph contains a cycle.
const MaxHops = 32

// Index is a read-only view of a Graph built once per scheduling decision.
type Index struct {
	tasks    map[string]*Task
	order    map[string]int
	roots    map[string]*Root
	children map[string][]string
}

// NewIndex builds parent and children maps over g. The index points into g,
// so it must be rebuilt after g is mutated.
func NewIndex(g *Graph) *Index {
	ix := &Index{
		tasks:    make(map[string]*Task, len(g.Tasks)),
		order:    make(map[string]int, len(g.Tasks)),
		roots:    make(map[string]*Root, len(g.Roots)),
		children: make(map[string][]string),
	}
	for i := range g.Roots {
		ix.roots[g.Roots[i].ID] = &g.Roots[i]
	}
	for i := range g.Tasks {
		t := &g.Tasks[i]
		ix.tasks[t.ID] = t
		ix.order[t.ID] = i
		ix.children[t.ParentID] = append(ix.children[t.ParentID], t.ID)
	}
	return ix
}

// Task looks up a task by id.
func (ix *Index) Task(id string) (*Task, bool) {
	t, ok := ix.tasks[id]
	return t, ok
}

// IsRoot reports whether id is a registered root conversation.
func (ix *Index) IsRoot(id string) bool {
	_, ok := ix.roots[id]
	return ok
}

// Exists reports whether id names a root conversation or a task.
func (ix *Index) Exists(id string) bool {
	_, isTask := ix.tasks[id]
	return isTask || ix.IsRoot(id)
}

// Tasks returns all tasks in persisted order.
func (ix *Index) Tasks() []*Task {
	out := make([]*Task, 0, len(ix.tasks))
	for _, t := range ix.tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Task) int { return ix.order[a.ID] - ix.order[b.ID] })
	return out
}

// Children returns the ids of direct child tasks of id in persisted order.
func (ix *Index) Children(id string) []string {
	return slices.Clone(ix.children[id])
}

// Depth counts task edges between id and its nearest non-task ancestor.
// A root conversation has depth 0; its direct children have depth 1.
func (ix *Index) Depth(id string) (int, error) {
	depth := 0
	cur := id
	for hops := 0; ; hops++ {
		if hops > MaxHops {
			return 0, fmt.Errorf("depth of %s: %w", id, ErrCorruptGraph)
		}
		t, ok := ix.tasks[cur]
		if !ok {
			return depth, nil
		}
		depth++
		cur = t.ParentID
	}
}

// Ancestors returns the parent chain of id, nearest first, ending with the
// first id that is not a task (normally the root conversation).
func (ix *Index) Ancestors(id string) ([]string, error) {
	var chain []string
	t, ok := ix.tasks[id]
	if !ok {
		return nil, nil
	}
	cur := t.ParentID
	for hops := 0; cur != ""; hops++ {
		if hops > MaxHops {
			return nil, fmt.Errorf("ancestors of %s: %w", id, ErrCorruptGraph)
		}
		chain = append(chain, cur)
		parent, ok := ix.tasks[cur]
		if !ok {
			break
		}
		cur = parent.ParentID
	}
	return chain, nil
}

// IsDescendantOf reports whether id sits somewhere below ancestor.
func (ix *Index) IsDescendantOf(id, ancestor string) (bool, error) {
	chain, err := ix.Ancestors(id)
	if err != nil {
		return false, err
	}
	return slices.Contains(chain, ancestor), nil
}

// Descendants returns every task below id in breadth-first order.
func (ix *Index) Descendants(id string) ([]*Task, error) {
	var out []*Task
	seen := map[string]bool{id: true}
	level := []string{id}
	for depth := 0; len(level) > 0; depth++ {
		if depth > MaxHops {
			return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptGraph)
		}
		var next []string
		for _, cur := range level {
			for _, childID := range ix.children[cur] {
				if seen[childID] {
					return nil, fmt.Errorf("descendants of %s: cycle at %s: %w", id, childID, ErrCorruptGraph)
				}
				seen[childID] = true
				out = append(out, ix.tasks[childID])
				next = append(next, childID)
			}
		}
		level = next
	}
	return out, nil
}

// HasActiveDescendants reports whether any task below id has not reported.
func (ix *Index) HasActiveDescendants(id string) (bool, error) {
	desc, err := ix.Descendants(id)
	if err != nil {
		return false, err
	}
	for _, t := range desc {
		if t.Status != StatusReported {
			return true, nil
		}
	}
	return false, nil
}

// SubtreeDeepestFirst returns id's task and all its descendants ordered so
// that every child precedes its parent.
func (ix *Index) SubtreeDeepestFirst(id string) ([]*Task, error) {
	desc, err := ix.Descendants(id)
	if err != nil {
		return nil, err
	}
	if self, ok := ix.tasks[id]; ok {
		desc = append([]*Task{self}, desc...)
	}
	slices.Reverse(desc)
	return desc, nil
}

// QueuedOldestFirst returns queued tasks ordered by creation time, ties
// broken by persisted order.
func (ix *Index) QueuedOldestFirst() []*Task {
	var queued []*Task
	for _, t := range ix.tasks {
		if t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	slices.SortStableFunc(queued, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return ix.order[a.ID] - ix.order[b.ID]
	})
	return queued
}

// Validate walks every task's parent chain and fails on cycles.
func (ix *Index) Validate() error {
	for id := range ix.tasks {
		if _, err := ix.Depth(id); err != nil {
			return err
		}
	}
	return nil
}
