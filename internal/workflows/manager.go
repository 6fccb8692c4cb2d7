// Package workflows holds the workflow CRUD rules shared by the HTTP API and
// the MCP tools: slug derivation, default definitions, ownership checks and
// validated activation.
package workflows

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Default list page size and its upper bound.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// DefinitionValidator checks a definition before it can be activated.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Manager applies workflow rules on top of the store.
type Manager struct {
	store     store.Store
	validator DefinitionValidator
}

// NewManager creates a Manager. A nil validator skips the activation check.
func NewManager(s store.Store, v DefinitionValidator) *Manager {
	return &Manager{store: s, validator: v}
}

// CreateInput carries the fields accepted on create.
type CreateInput struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
}

// DefaultDefinition is the empty canvas a new workflow starts with.
func DefaultDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Nodes: []schema.WorkflowNode{},
		Edges: []schema.WorkflowEdge{},
		Settings: schema.WorkflowSettings{
			MaxCostCents:      100,
			Timeout:           30000,
			ParallelExecution: true,
			LogLevel:          "info",
		},
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses every run of other characters into "-".
func Slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Create stores a new draft workflow owned by userID under a unique slug.
func (m *Manager) Create(ctx context.Context, userID string, in CreateInput) (*store.Workflow, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Name is required")
	}
	slug, err := m.uniqueSlug(ctx, userID, Slugify(name))
	if err != nil {
		return nil, err
	}

	def := DefaultDefinition()
	if in.Definition != nil {
		def = *in.Definition
	}
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Slug:        slug,
		Description: in.Description,
		Version:     1,
		Definition:  def,
		Status:      schema.WorkflowDraft,
	}
	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// uniqueSlug returns base, or base-1, base-2, ... when taken.
func (m *Manager) uniqueSlug(ctx context.Context, userID, base string) (string, error) {
	if base == "" {
		base = "workflow"
	}
	slug := base
	for n := 1; ; n++ {
		taken, err := m.store.SlugExists(ctx, userID, slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

// Get returns a workflow owned by userID. An empty userID skips the ownership check.
func (m *Manager) Get(ctx context.Context, userID, id string) (*store.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && wf.UserID != userID {
		return nil, schema.NewError(schema.ErrCodeNotFound, "Workflow not found")
	}
	return wf, nil
}

// Update applies the update and returns the stored result. A definition change
// bumps the version; activating requires the resulting definition to validate.
func (m *Manager) Update(ctx context.Context, userID, id string, update store.WorkflowUpdate) (*store.Workflow, error) {
	if update.Empty() {
		return nil, schema.NewError(schema.ErrCodeValidation, "No fields to update")
	}
	if update.Status != nil && !update.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid status %q", *update.Status)
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Name cannot be empty")
	}

	current, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if m.activating(current, update) && m.validator != nil {
		def := &current.Definition
		if update.Definition != nil {
			def = update.Definition
		}
		if err := m.validator.Validate(def).ToError(); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdateWorkflow(ctx, id, update); err != nil {
		return nil, err
	}
	return m.store.GetWorkflow(ctx, id)
}

// activating reports whether the workflow ends up active with a definition
// that was not validated before: a status change to active, or a new
// definition on an already active workflow.
func (m *Manager) activating(current *store.Workflow, update store.WorkflowUpdate) bool {
	if update.Status != nil {
		return *update.Status == schema.WorkflowActive
	}
	return update.Definition != nil && current.Status == schema.WorkflowActive
}

// Delete removes a workflow owned by userID.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	if _, err := m.Get(ctx, userID, id); err != nil {
		return err
	}
	return m.store.DeleteWorkflow(ctx, id)
}

// List returns one page of userID's workflows, most recently updated first.
func (m *Manager) List(ctx context.Context, userID string, status *schema.WorkflowStatus, limit, offset int) (*Page[*store.Workflow], error) {
	limit, offset = ClampPage(limit, offset)
	filter := store.WorkflowFilter{UserID: userID, Status: status, Limit: limit, Offset: offset}

	items, err := m.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CountWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	return NewPage(items, total, limit, offset), nil
}
