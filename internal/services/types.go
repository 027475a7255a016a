package services

import (
	"time"

	"github.com/ksred/schemaflow/internal/migrations"
)

// Changes is the outcome of a detection run
type Changes struct {
	Detected    *migrations.DetectedChanges
	Migrations  []*migrations.Migration
	Fingerprint string
}

// IsEmpty reports whether the declared models match the history
func (c *Changes) IsEmpty() bool {
	return c.Detected.IsEmpty()
}

// Status summarizes history against the loaded definitions
type Status struct {
	Dialect        string       `json:"dialect"`
	Connected      bool         `json:"connected"`
	Apps           []*AppStatus `json:"apps"`
	UnknownApplied []string     `json:"unknown_applied,omitempty"`
	Inconsistency  string       `json:"inconsistency,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
}

// PendingCount returns the number of unapplied migrations across apps
func (s *Status) PendingCount() int {
	n := 0
	for _, a := range s.Apps {
		n += len(a.Pending)
	}
	return n
}

// AppStatus lists one app's migrations in dependency order
type AppStatus struct {
	App     string   `json:"app"`
	Applied []string `json:"applied"`
	Pending []string `json:"pending"`
	Leaves  []string `json:"leaves"`
}

// PlanView is the wire form of a plan
type PlanView struct {
	Target    string         `json:"target"`
	Direction string         `json:"direction"`
	Steps     []PlanStepView `json:"steps"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// PlanStepView describes one step of a plan
type PlanStepView struct {
	Migration  string   `json:"migration"`
	Atomic     bool     `json:"atomic"`
	Reversible bool     `json:"reversible"`
	Operations []string `json:"operations"`
}

// NewPlanView converts a plan for the API and MCP surfaces
func NewPlanView(p *migrations.Plan) *PlanView {
	v := &PlanView{
		Target:    p.Target.String(),
		Direction: p.Direction().String(),
		Steps:     make([]PlanStepView, 0, len(p.Steps)),
	}
	for _, step := range p.Steps {
		sv := PlanStepView{
			Migration:  step.Key().String(),
			Atomic:     step.Migration.Atomic,
			Reversible: step.Migration.Reversible(),
		}
		for _, op := range step.Migration.Operations {
			sv.Operations = append(sv.Operations, op.Describe())
		}
		v.Steps = append(v.Steps, sv)
	}
	for _, w := range p.Warnings {
		v.Warnings = append(v.Warnings, w.String())
	}
	return v
}

// ChangesView is the wire form of detected changes
type ChangesView struct {
	Fingerprint string              `json:"fingerprint"`
	Migrations  []ProposedMigration `json:"migrations"`
	Reviews     []migrations.Review `json:"reviews,omitempty"`
}

// ProposedMigration is a migration the detector would write
type ProposedMigration struct {
	Migration    string   `json:"migration"`
	Dependencies []string `json:"dependencies,omitempty"`
	Operations   []string `json:"operations"`
}

// NewChangesView converts detected changes for the API and MCP surfaces
func NewChangesView(c *Changes) *ChangesView {
	v := &ChangesView{
		Fingerprint: c.Fingerprint,
		Migrations:  make([]ProposedMigration, 0, len(c.Migrations)),
		Reviews:     c.Detected.Reviews,
	}
	for _, m := range c.Migrations {
		pm := ProposedMigration{Migration: m.Key().String()}
		for _, d := range m.Dependencies {
			pm.Dependencies = append(pm.Dependencies, d.String())
		}
		for _, op := range m.Operations {
			pm.Operations = append(pm.Operations, op.Describe())
		}
		v.Migrations = append(v.Migrations, pm)
	}
	return v
}

// Response is the envelope every API answer uses
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(message string, data interface{}) *Response {
	return &Response{
		Success: true,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err error, code string) *Response {
	return &Response{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	}
}
