package task

import (
	"maps"
	"slices"
)

// Graph is the persisted task graph document. Slice order is the persisted
// order and breaks ties between tasks created at the same instant.
type Graph struct {
	Version int64  `json:"version" yaml:"version"`
	Roots   []Root `json:"roots" yaml:"roots"`
	Tasks   []Task `json:"tasks" yaml:"tasks"`
}

// Task returns a pointer into the document for in-place edits, or nil.
func (g *Graph) Task(id string) *Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i]
		}
	}
	return nil
}

// Root returns the root conversation with the given id, or nil.
func (g *Graph) Root(id string) *Root {
	for i := range g.Roots {
		if g.Roots[i].ID == id {
			return &g.Roots[i]
		}
	}
	return nil
}

// AddTask appends a task to the document.
func (g *Graph) AddTask(t Task) {
	g.Tasks = append(g.Tasks, t)
}

// RemoveTask deletes a task entry and reports whether it existed.
func (g *Graph) RemoveTask(id string) bool {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			g.Tasks = slices.Delete(g.Tasks, i, i+1)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share memory with a store.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return &Graph{}
	}
	out := &Graph{
		Version: g.Version,
		Roots:   slices.Clone(g.Roots),
		Tasks:   make([]Task, len(g.Tasks)),
	}
	for i := range g.Tasks {
		t := g.Tasks[i]
		t.Params.Experiments = maps.Clone(t.Params.Experiments)
		if t.Report != nil {
			r := *t.Report
			t.Report = &r
		}
		if t.StartedAt != nil {
			ts := *t.StartedAt
			t.StartedAt = &ts
		}
		if t.ReportedAt != nil {
			ts := *t.ReportedAt
			t.ReportedAt = &ts
		}
		out.Tasks[i] = t
	}
	return out
}
