// Package validate hosts the pluggable build validator chain.
//
// Budget checks are built into the staging session; everything beyond them
// (prerequisites, uniqueness, table-specific house rules) plugs in here so
// rule content stays out of the engine. House rules ship as Lua scripts.
package validate

import (
	"context"

	"github.com/sagaforge/progression/internal/services/progression/domain/grants"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
)

// Issue is one human-readable validation failure.
type Issue struct {
	Code    string
	Message string
}

// Build is the read-only view handed to validators: the simulated entity
// with all staged changes applied, plus the grant summary for the batch.
type Build struct {
	Simulated *sheet.Entity
	NewLevel  int
	Grants    grants.Summary
}

// Validator checks one aspect of a simulated build. Implementations must be
// side-effect-free; preview calls them repeatedly.
type Validator interface {
	Name() string
	Check(ctx context.Context, build Build) ([]Issue, error)
}

// Chain runs validators in order and concatenates their issues. A validator
// error is converted into an issue naming the validator, so one broken rule
// script rejects the build instead of crashing the engine.
type Chain []Validator

// Check runs every validator in the chain.
func (c Chain) Check(ctx context.Context, build Build) []Issue {
	var out []Issue
	for _, v := range c {
		issues, err := v.Check(ctx, build)
		if err != nil {
			out = append(out, Issue{
				Code:    "validator_failed",
				Message: "validator " + v.Name() + " failed: " + err.Error(),
			})
			continue
		}
		out = append(out, issues...)
	}
	return out
}
