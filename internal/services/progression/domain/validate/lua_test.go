package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
)

func simulatedBuild() Build {
	e := sheet.NewEntity("ent-1", "Kara")
	e.Progression.SpeciesID = "human"
	e.Progression.ClassLevels = []sheet.ClassLevelEntry{
		{ClassID: "soldier", LevelInClass: 1},
	}
	e.Progression.Feats["point_blank_shot"] = true
	e.Progression.TrainedSkills["stealth"] = true
	sheet.DeriveTotals(e)
	return Build{Simulated: e, NewLevel: 1}
}

func TestLuaRuleAccepts(t *testing.T) {
	rule := NewLuaRule("always_ok", `function check(build) return true end`)
	issues, err := rule.Check(context.Background(), simulatedBuild())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("issues = %v, want none", issues)
	}
}

func TestLuaRuleRejectsWithMessage(t *testing.T) {
	rule := NewLuaRule("no_humans", `
function check(build)
	if build.species == "human" then
		return "humans are banned at this table"
	end
end`)
	issues, err := rule.Check(context.Background(), simulatedBuild())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %v, want 1", issues)
	}
	if issues[0].Message != "humans are banned at this table" {
		t.Fatalf("message = %q", issues[0].Message)
	}
	if issues[0].Code != IssueCodeHouseRule {
		t.Fatalf("code = %q, want %q", issues[0].Code, IssueCodeHouseRule)
	}
}

func TestLuaRuleReadsBuildTables(t *testing.T) {
	rule := NewLuaRule("feat_inspector", `
function check(build)
	local problems = {}
	if build.feats[1] ~= "point_blank_shot" then
		problems[#problems + 1] = "missing expected feat"
	end
	if build.class_levels[1].class ~= "soldier" then
		problems[#problems + 1] = "missing soldier level"
	end
	if build.abilities.str.total ~= 10 then
		problems[#problems + 1] = "unexpected strength"
	end
	if #problems > 0 then
		return problems
	end
end`)
	issues, err := rule.Check(context.Background(), simulatedBuild())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("issues = %v, want none", issues)
	}
}

func TestLuaRuleReturnsListOfMessages(t *testing.T) {
	rule := NewLuaRule("multi", `
function check(build)
	return {"first problem", "second problem"}
end`)
	issues, err := rule.Check(context.Background(), simulatedBuild())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want 2", issues)
	}
}

func TestLuaRuleBrokenScript(t *testing.T) {
	rule := NewLuaRule("broken", `this is not lua`)
	_, err := rule.Check(context.Background(), simulatedBuild())
	if err == nil {
		t.Fatal("expected error for broken script")
	}
}

func TestLuaRuleMissingCheckFunction(t *testing.T) {
	rule := NewLuaRule("no_check", `x = 1`)
	_, err := rule.Check(context.Background(), simulatedBuild())
	if err == nil || !strings.Contains(err.Error(), "check function") {
		t.Fatalf("error = %v, want missing check function", err)
	}
}

func TestChainConvertsValidatorErrorsToIssues(t *testing.T) {
	chain := Chain{
		NewLuaRule("broken", `not lua`),
		NewLuaRule("ok", `function check(build) return true end`),
	}
	issues := chain.Check(context.Background(), simulatedBuild())
	if len(issues) != 1 {
		t.Fatalf("issues = %v, want 1", issues)
	}
	if !strings.Contains(issues[0].Message, "broken") {
		t.Fatalf("issue message = %q, want validator name", issues[0].Message)
	}
}
