// Package seed loads work graphs described in YAML and applies them through
// the engine, so every edge passes the same cycle, duplicate and gate checks
// as a live mutation.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/graph"
)

// Seed is a YAML work graph.
type Seed struct {
	Elements     []ElementSpec    `yaml:"elements"`
	Dependencies []DependencySpec `yaml:"dependencies"`
}

// ElementSpec describes one element. Parent and BlockedBy are shorthand for
// PARENT_CHILD and BLOCKS edges from this element.
type ElementSpec struct {
	ID           string           `yaml:"id"`
	Type         element.Type     `yaml:"type"`
	Title        string           `yaml:"title,omitempty"`
	Status       element.Status   `yaml:"status,omitempty"`
	CreatedBy    string           `yaml:"created_by,omitempty"`
	Priority     int              `yaml:"priority,omitempty"`
	Assignee     string           `yaml:"assignee,omitempty"`
	Owner        string           `yaml:"owner,omitempty"`
	TaskType     element.TaskType `yaml:"task_type,omitempty"`
	Tags         []string         `yaml:"tags,omitempty"`
	ScheduledFor *time.Time       `yaml:"scheduled_for,omitempty"`
	Deadline     *time.Time       `yaml:"deadline,omitempty"`
	Ephemeral    bool             `yaml:"ephemeral,omitempty"`
	Metadata     element.Metadata `yaml:"metadata,omitempty"`

	Parent    string   `yaml:"parent,omitempty"`
	BlockedBy []string `yaml:"blocked_by,omitempty"`
}

// DependencySpec describes an explicit edge.
type DependencySpec struct {
	Blocked  string           `yaml:"blocked"`
	Blocker  string           `yaml:"blocker"`
	Type     string           `yaml:"type"`
	Metadata element.Metadata `yaml:"metadata,omitempty"`
	Actor    string           `yaml:"actor,omitempty"`
}

// Applier is the slice of the engine a seed needs.
type Applier interface {
	Create(ctx context.Context, el element.Element) (element.Element, error)
	AddDependency(ctx context.Context, req graph.AddRequest) (element.Dependency, error)
}

// Result counts what Apply created.
type Result struct {
	Elements     int `json:"elements"`
	Dependencies int `json:"dependencies"`
}

// ParseYAML decodes and validates a seed.
func ParseYAML(data []byte) (Seed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Seed{}, fmt.Errorf("seed: payload is empty")
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("seed: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Seed{}, err
	}
	return s, nil
}

// LoadReader reads a seed from r.
func LoadReader(r io.Reader) (Seed, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Seed{}, fmt.Errorf("seed: read: %w", err)
	}
	return ParseYAML(content)
}

// LoadFile reads a seed from path.
func LoadFile(path string) (Seed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	s, err := ParseYAML(content)
	if err != nil {
		return Seed{}, fmt.Errorf("seed: %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// Validate checks ids, types and dependency types. References to elements
// outside the seed are allowed; Apply reports them as not found.
func (s Seed) Validate() error {
	seen := make(map[string]bool, len(s.Elements))
	for i, el := range s.Elements {
		id := strings.TrimSpace(el.ID)
		if id == "" {
			return element.Constraintf("seed: element %d has no id", i)
		}
		if seen[id] {
			return element.Constraintf("seed: duplicate element id %s", id)
		}
		seen[id] = true
		if !el.Type.Valid() {
			return element.Constraintf("seed: element %s: unknown type %q", id, el.Type)
		}
	}
	for i, dep := range s.Dependencies {
		if strings.TrimSpace(dep.Blocked) == "" || strings.TrimSpace(dep.Blocker) == "" {
			return element.Constraintf("seed: dependency %d needs blocked and blocker", i)
		}
		if _, err := element.ParseDependencyType(dep.Type); err != nil {
			return fmt.Errorf("seed: dependency %d: %w", i, err)
		}
	}
	return nil
}

// Apply creates every element in document order, then the shorthand edges,
// then the explicit dependencies. It stops at the first error.
func Apply(ctx context.Context, target Applier, s Seed) (Result, error) {
	if target == nil {
		return Result{}, fmt.Errorf("seed: target is required")
	}
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	var result Result
	for _, spec := range s.Elements {
		if _, err := target.Create(ctx, spec.element()); err != nil {
			return result, fmt.Errorf("seed: create %s: %w", spec.ID, err)
		}
		result.Elements++
	}
	for _, req := range s.requests() {
		if _, err := target.AddDependency(ctx, req); err != nil {
			return result, fmt.Errorf("seed: %s -[%s]-> %s: %w", req.BlockedID, req.Type, req.BlockerID, err)
		}
		result.Dependencies++
	}
	return result, nil
}

func (spec ElementSpec) element() element.Element {
	return element.Element{
		ID:           strings.TrimSpace(spec.ID),
		Type:         spec.Type,
		Title:        spec.Title,
		Status:       spec.Status,
		CreatedBy:    spec.CreatedBy,
		Priority:     spec.Priority,
		Assignee:     spec.Assignee,
		Owner:        spec.Owner,
		TaskType:     spec.TaskType,
		Tags:         spec.Tags,
		ScheduledFor: spec.ScheduledFor,
		Deadline:     spec.Deadline,
		Ephemeral:    spec.Ephemeral,
		Metadata:     spec.Metadata,
	}
}

func (s Seed) requests() []graph.AddRequest {
	var out []graph.AddRequest
	for _, spec := range s.Elements {
		id := strings.TrimSpace(spec.ID)
		if parent := strings.TrimSpace(spec.Parent); parent != "" {
			out = append(out, graph.AddRequest{BlockedID: id, BlockerID: parent, Type: element.DepParentChild})
		}
		for _, blocker := range spec.BlockedBy {
			out = append(out, graph.AddRequest{BlockedID: id, BlockerID: strings.TrimSpace(blocker), Type: element.DepBlocks})
		}
	}
	for _, dep := range s.Dependencies {
		// Validate already rejected unknown types.
		depType, _ := element.ParseDependencyType(dep.Type)
		out = append(out, graph.AddRequest{
			BlockedID: strings.TrimSpace(dep.Blocked),
			BlockerID: strings.TrimSpace(dep.Blocker),
			Type:      depType,
			Metadata:  dep.Metadata,
			Actor:     dep.Actor,
		})
	}
	return out
}
