// Package steps sequences the ordered, mode-dependent choice steps of a
// progression session.
//
// Each mode carries a fixed linear chain with optional conditional steps
// that are transparently bypassed while their trigger data is empty. The
// controller's own position is persisted through the flow-state store so an
// interrupted session can resume; it never touches entity state.
package steps

import (
	"context"
	"fmt"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/events"
	"github.com/sagaforge/progression/internal/services/progression/storage"
)

// Mode selects which step chain drives a session.
type Mode string

const (
	ModeCreation    Mode = "creation"
	ModeAdvancement Mode = "advancement"
)

// Step identifiers shared by both modes.
const (
	StepSpecies         = "species"
	StepBackground      = "background"
	StepAbilities       = "abilities"
	StepClass           = "class"
	StepSkills          = "skills"
	StepFeats           = "feats"
	StepTalents         = "talents"
	StepForceTechniques = "force_techniques"
	StepFinalize        = "finalize"
)

// Step is one entry of a mode's chain. Conditional steps are hidden until
// their trigger is set by upstream choice processing.
type Step struct {
	ID          string
	Label       string
	Conditional bool
}

var creationChain = []Step{
	{ID: StepSpecies, Label: "Species"},
	{ID: StepBackground, Label: "Background"},
	{ID: StepAbilities, Label: "Abilities"},
	{ID: StepClass, Label: "Class"},
	{ID: StepSkills, Label: "Skills"},
	{ID: StepFeats, Label: "Feats"},
	{ID: StepTalents, Label: "Talents"},
	{ID: StepForceTechniques, Label: "Force Techniques", Conditional: true},
	{ID: StepFinalize, Label: "Finalize"},
}

var advancementChain = []Step{
	{ID: StepClass, Label: "Class"},
	{ID: StepAbilities, Label: "Abilities"},
	{ID: StepSkills, Label: "Skills"},
	{ID: StepFeats, Label: "Feats"},
	{ID: StepTalents, Label: "Talents"},
	{ID: StepForceTechniques, Label: "Force Techniques", Conditional: true},
	{ID: StepFinalize, Label: "Finalize"},
}

// StepChangedEvent is published on navigation. Listeners are best-effort;
// delivery never blocks or fails the transition.
type StepChangedEvent struct {
	EntityID string
	Mode     Mode
	StepID   string
}

// Controller tracks the current and completed steps for one entity in one
// mode. It is not safe for concurrent use; callers serialize per entity.
type Controller struct {
	entityID  string
	mode      Mode
	chain     []Step
	current   string
	completed map[string]bool
	triggers  map[string]bool
	store     storage.FlowStateStore
	bus       *events.Bus
}

// NewController builds a controller positioned at the start of the mode's
// chain. store may be nil for ephemeral sessions; bus may be nil to disable
// navigation notifications.
func NewController(entityID string, mode Mode, store storage.FlowStateStore, bus *events.Bus) (*Controller, error) {
	var chain []Step
	switch mode {
	case ModeCreation:
		chain = creationChain
	case ModeAdvancement:
		chain = advancementChain
	default:
		return nil, apperrors.WithMetadata(apperrors.CodeStepUnknown,
			fmt.Sprintf("unknown step mode %q", mode),
			map[string]string{"mode": string(mode)})
	}
	return &Controller{
		entityID:  entityID,
		mode:      mode,
		chain:     chain,
		completed: make(map[string]bool),
		triggers:  make(map[string]bool),
		store:     store,
		bus:       bus,
	}, nil
}

// Resume restores a previously persisted position. A missing flow state is
// not an error; the controller stays at the start.
func (c *Controller) Resume(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	state, err := c.store.GetFlowState(ctx, c.entityID, string(c.mode))
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return nil
		}
		return apperrors.Wrap(apperrors.GetCode(err), "resume flow state", err)
	}
	c.current = state.Current
	c.completed = make(map[string]bool, len(state.Completed))
	for _, id := range state.Completed {
		c.completed[id] = true
	}
	return nil
}

// SetTrigger records trigger data for a conditional step. An active trigger
// makes the step visible in the chain; clearing it hides the step again.
func (c *Controller) SetTrigger(stepID string, active bool) {
	if active {
		c.triggers[stepID] = true
		return
	}
	delete(c.triggers, stepID)
}

// Current returns the current step id, empty when no step has been entered.
func (c *Controller) Current() string {
	return c.current
}

// Completed reports whether a step has been completed.
func (c *Controller) Completed(stepID string) bool {
	return c.completed[stepID]
}

// AvailableSteps returns the mode's ordered chain with conditional steps
// removed unless their trigger data is set.
func (c *Controller) AvailableSteps() []Step {
	out := make([]Step, 0, len(c.chain))
	for _, step := range c.chain {
		if step.Conditional && !c.triggers[step.ID] {
			continue
		}
		out = append(out, step)
	}
	return out
}

// IsAvailable reports whether a step can be entered. The first step is
// always available; any other step requires its immediate predecessor to be
// completed, skipping over conditional predecessors whose trigger is unset.
func (c *Controller) IsAvailable(stepID string) bool {
	idx := c.indexOf(stepID)
	if idx < 0 {
		return false
	}
	if step := c.chain[idx]; step.Conditional && !c.triggers[step.ID] {
		return false
	}
	for prev := idx - 1; prev >= 0; prev-- {
		pred := c.chain[prev]
		if pred.Conditional && !c.triggers[pred.ID] {
			continue
		}
		return c.completed[pred.ID]
	}
	return true
}

// GoTo enters a step. An unavailable step produces no transition and a
// descriptive error; a successful transition publishes a step-changed
// notification to external listeners without blocking on them.
func (c *Controller) GoTo(stepID string) error {
	if c.indexOf(stepID) < 0 {
		return apperrors.WithMetadata(apperrors.CodeStepUnknown,
			fmt.Sprintf("unknown step %q in %s mode", stepID, c.mode),
			map[string]string{"step": stepID, "mode": string(c.mode)})
	}
	if !c.IsAvailable(stepID) {
		return apperrors.WithMetadata(apperrors.CodeStepUnavailable,
			fmt.Sprintf("step %q is not available yet", stepID),
			map[string]string{"step": stepID, "mode": string(c.mode)})
	}
	c.current = stepID
	c.bus.Publish(events.TopicStepChanged, StepChangedEvent{
		EntityID: c.entityID,
		Mode:     c.mode,
		StepID:   stepID,
	})
	return nil
}

// Complete marks a step done and persists the controller position. Marking
// an already-completed step again is a no-op beyond re-persisting. Unless
// the step is the terminal finalize step, the current position auto-advances
// to the next available step.
func (c *Controller) Complete(ctx context.Context, stepID string) error {
	idx := c.indexOf(stepID)
	if idx < 0 {
		return apperrors.WithMetadata(apperrors.CodeStepUnknown,
			fmt.Sprintf("unknown step %q in %s mode", stepID, c.mode),
			map[string]string{"step": stepID, "mode": string(c.mode)})
	}
	c.completed[stepID] = true
	if err := c.persist(ctx); err != nil {
		return err
	}
	if stepID == StepFinalize {
		return nil
	}
	for next := idx + 1; next < len(c.chain); next++ {
		step := c.chain[next]
		if step.Conditional && !c.triggers[step.ID] {
			continue
		}
		c.current = step.ID
		c.bus.Publish(events.TopicStepChanged, StepChangedEvent{
			EntityID: c.entityID,
			Mode:     c.mode,
			StepID:   step.ID,
		})
		break
	}
	return nil
}

// Reset clears the position and completion set, the full-rollback state.
func (c *Controller) Reset(ctx context.Context) error {
	c.current = ""
	c.completed = make(map[string]bool)
	return c.persist(ctx)
}

func (c *Controller) persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	completed := make([]string, 0, len(c.completed))
	for _, step := range c.chain {
		if c.completed[step.ID] {
			completed = append(completed, step.ID)
		}
	}
	state := storage.FlowState{
		EntityID:  c.entityID,
		Mode:      string(c.mode),
		Current:   c.current,
		Completed: completed,
	}
	if err := c.store.SaveFlowState(ctx, state); err != nil {
		return apperrors.Wrap(apperrors.GetCode(err), "persist flow state", err)
	}
	return nil
}

func (c *Controller) indexOf(stepID string) int {
	for i, step := range c.chain {
		if step.ID == stepID {
			return i
		}
	}
	return -1
}
