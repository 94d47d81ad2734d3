package validate

import (
	"context"
	"fmt"

	"github.com/Shopify/go-lua"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
)

// IssueCodeHouseRule marks issues produced by Lua house-rule scripts.
const IssueCodeHouseRule = "house_rule"

// LuaRule is a house-rule validator scripted in Lua.
//
// The script must define a global function `check(build)`. The build table
// carries the simulated sheet: level, species, background, class_levels,
// feats, talents, trained_skills, abilities, and hp_max. The function
// returns nil or true to accept the build, a string to reject it with one
// message, or an array of strings to reject it with several.
//
// Each Check runs in a fresh interpreter state, so scripts cannot leak state
// between previews and a broken script cannot corrupt the engine.
type LuaRule struct {
	name   string
	script string
}

// NewLuaRule wraps a Lua script as a validator.
func NewLuaRule(name, script string) *LuaRule {
	return &LuaRule{name: name, script: script}
}

// Name identifies the rule in issue messages.
func (r *LuaRule) Name() string { return r.name }

// Check evaluates the scripted rule against the simulated build.
func (r *LuaRule) Check(ctx context.Context, build Build) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := lua.NewState()
	lua.OpenLibraries(state)

	if err := lua.DoString(state, r.script); err != nil {
		return nil, fmt.Errorf("load rule script: %w", err)
	}

	state.Global("check")
	if state.TypeOf(-1) != lua.TypeFunction {
		state.Pop(1)
		return nil, fmt.Errorf("rule script must define a check function")
	}

	pushBuild(state, build)
	if err := state.ProtectedCall(1, 1, 0); err != nil {
		return nil, fmt.Errorf("run rule script: %w", err)
	}
	defer state.Pop(1)

	switch state.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		if state.ToBoolean(-1) {
			return nil, nil
		}
		return []Issue{{Code: IssueCodeHouseRule, Message: r.name + " rejected the build"}}, nil
	case lua.TypeString:
		message, _ := state.ToString(-1)
		return []Issue{{Code: IssueCodeHouseRule, Message: message}}, nil
	case lua.TypeTable:
		var issues []Issue
		length := state.RawLength(-1)
		for i := 1; i <= length; i++ {
			state.RawGetInt(-1, i)
			if message, ok := state.ToString(-1); ok {
				issues = append(issues, Issue{Code: IssueCodeHouseRule, Message: message})
			}
			state.Pop(1)
		}
		return issues, nil
	default:
		return nil, fmt.Errorf("rule script returned unsupported type")
	}
}

// pushBuild pushes the build table the check function receives.
func pushBuild(state *lua.State, build Build) {
	state.NewTable()

	state.PushInteger(build.NewLevel)
	state.SetField(-2, "level")

	sim := build.Simulated
	if sim == nil {
		return
	}

	state.PushString(sim.Progression.SpeciesID)
	state.SetField(-2, "species")
	state.PushString(sim.Progression.BackgroundID)
	state.SetField(-2, "background")
	state.PushInteger(sim.HP.Max)
	state.SetField(-2, "hp_max")

	state.NewTable()
	for i, entry := range sim.Progression.ClassLevels {
		state.NewTable()
		state.PushString(entry.ClassID)
		state.SetField(-2, "class")
		state.PushInteger(entry.LevelInClass)
		state.SetField(-2, "level")
		state.RawSetInt(-2, i+1)
	}
	state.SetField(-2, "class_levels")

	pushStringList(state, sheet.SortedSet(sim.Progression.Feats))
	state.SetField(-2, "feats")
	pushStringList(state, sheet.SortedSet(sim.Progression.Talents))
	state.SetField(-2, "talents")
	pushStringList(state, sheet.SortedSet(sim.Progression.TrainedSkills))
	state.SetField(-2, "trained_skills")

	state.NewTable()
	for _, ab := range sheet.AbilityOrder {
		score := sim.Abilities[ab]
		state.NewTable()
		state.PushInteger(score.Base)
		state.SetField(-2, "base")
		state.PushInteger(score.Total)
		state.SetField(-2, "total")
		state.PushInteger(score.Mod)
		state.SetField(-2, "mod")
		state.SetField(-2, string(ab))
	}
	state.SetField(-2, "abilities")
}

func pushStringList(state *lua.State, members []string) {
	state.NewTable()
	for i, member := range members {
		state.PushString(member)
		state.RawSetInt(-2, i+1)
	}
}
