// Package trace builds the workspace requirement→behavior→task→file
// graph and its coverage statistics. The report's JSON shape is stable
// and consumed by the CLI, the MCP host and the persisted index.
package trace

import (
	"sort"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// BehaviorLink is one behavior implementing a requirement.
type BehaviorLink struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	File string      `json:"file"`
	Span source.Span `json:"span"`
}

// TaskLink is one task referencing a requirement.
type TaskLink struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	File     string      `json:"file,omitempty"`
	Tests    string      `json:"tests,omitempty"`
	Status   string      `json:"status"`
	FileSpan source.Span `json:"file_span"`
}

// Coverage flags for one requirement.
type Coverage struct {
	HasBehavior       bool `json:"has_behavior"`
	HasTask           bool `json:"has_task"`
	HasImplementation bool `json:"has_implementation"`
	HasTests          bool `json:"has_tests"`
}

// RequirementEntry is one requirement with its links.
type RequirementEntry struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	File      string         `json:"file"`
	Span      source.Span    `json:"span"`
	Behaviors []BehaviorLink `json:"behaviors"`
	Tasks     []TaskLink     `json:"tasks"`
	Coverage  Coverage       `json:"coverage"`
}

// OrphanBehavior is a behavior with no implements clause.
type OrphanBehavior struct {
	Name string      `json:"name"`
	File string      `json:"file"`
	Span source.Span `json:"span"`
}

// OrphanTask is a task with no requirement reference.
type OrphanTask struct {
	ID   string      `json:"id"`
	File string      `json:"file"`
	Span source.Span `json:"span"`
}

// Totals are the workspace coverage statistics.
type Totals struct {
	TotalRequirements  int `json:"total_requirements"`
	WithBehaviors      int `json:"with_behaviors"`
	WithTasks          int `json:"with_tasks"`
	WithImplementation int `json:"with_implementation"`
	WithTests          int `json:"with_tests"`
}

// Report is the full traceability report.
type Report struct {
	Requirements    []RequirementEntry `json:"requirements"`
	OrphanBehaviors []OrphanBehavior   `json:"orphan_behaviors"`
	OrphanTasks     []OrphanTask       `json:"orphan_tasks"`
	Coverage        Totals             `json:"coverage"`
}

// Entry returns the requirement entry with the given ID, or nil.
func (r *Report) Entry(id string) *RequirementEntry {
	for i := range r.Requirements {
		if r.Requirements[i].ID == id {
			return &r.Requirements[i]
		}
	}
	return nil
}

// Build assembles the report from every workspace file, keyed by
// canonical path. Output ordering is deterministic: requirements by
// (file, span start), links by (file, span start).
func Build(files map[string]*ast.File) *Report {
	timer := logging.StartTimer(logging.CategoryTrace, "Build")
	defer timer.Stop()

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	report := &Report{
		Requirements:    []RequirementEntry{},
		OrphanBehaviors: []OrphanBehavior{},
		OrphanTasks:     []OrphanTask{},
	}
	index := map[string]int{}

	for _, path := range paths {
		for _, req := range files[path].Requirements() {
			if _, dup := index[req.ID]; dup {
				// Duplicate stable IDs are diagnosed elsewhere; links
				// accrue to the first definition.
				continue
			}
			index[req.ID] = len(report.Requirements)
			report.Requirements = append(report.Requirements, RequirementEntry{
				ID:        req.ID,
				Title:     req.Title,
				File:      path,
				Span:      req.Span,
				Behaviors: []BehaviorLink{},
				Tasks:     []TaskLink{},
			})
		}
	}

	for _, path := range paths {
		for _, b := range files[path].Behaviors() {
			if len(b.Implements) == 0 {
				report.OrphanBehaviors = append(report.OrphanBehaviors, OrphanBehavior{
					Name: b.Name, File: path, Span: b.Span,
				})
				continue
			}
			for _, ref := range b.Implements {
				i, ok := index[ref.Name]
				if !ok {
					continue
				}
				report.Requirements[i].Behaviors = append(report.Requirements[i].Behaviors, BehaviorLink{
					ID:   path + "#" + b.Name,
					Name: b.Name,
					File: path,
					Span: ref.Span,
				})
			}
		}
		for _, t := range files[path].Tasks() {
			if len(t.Requirements) == 0 {
				report.OrphanTasks = append(report.OrphanTasks, OrphanTask{
					ID: t.ID, File: path, Span: t.Span,
				})
				continue
			}
			for _, ref := range t.Requirements {
				i, ok := index[ref.Name]
				if !ok {
					continue
				}
				report.Requirements[i].Tasks = append(report.Requirements[i].Tasks, TaskLink{
					ID:       t.ID,
					Title:    t.Title,
					File:     t.FilePath,
					Tests:    t.TestsPath,
					Status:   string(t.Status),
					FileSpan: ref.Span,
				})
			}
		}
	}

	for i := range report.Requirements {
		entry := &report.Requirements[i]
		entry.Coverage.HasBehavior = len(entry.Behaviors) > 0
		entry.Coverage.HasTask = len(entry.Tasks) > 0
		for _, t := range entry.Tasks {
			if t.File != "" {
				entry.Coverage.HasImplementation = true
			}
			if t.Tests != "" {
				entry.Coverage.HasTests = true
			}
		}
	}

	report.Coverage.TotalRequirements = len(report.Requirements)
	for _, entry := range report.Requirements {
		if entry.Coverage.HasBehavior {
			report.Coverage.WithBehaviors++
		}
		if entry.Coverage.HasTask {
			report.Coverage.WithTasks++
		}
		if entry.Coverage.HasImplementation {
			report.Coverage.WithImplementation++
		}
		if entry.Coverage.HasTests {
			report.Coverage.WithTests++
		}
	}

	logging.Trace("traceability: %d requirements, %d orphan behaviors, %d orphan tasks",
		report.Coverage.TotalRequirements, len(report.OrphanBehaviors), len(report.OrphanTasks))
	return report
}
