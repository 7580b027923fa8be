package engine_test

import (
	"strings"
	"testing"

	"castline/internal/domain"
	"castline/internal/engine"
)

func seedIssue(t *testing.T, env testEnv) domain.QualityIssue {
	t.Helper()
	seedActivity(t, env, "box-1", "act-1")
	qi, err := env.Engine.CreateQualityIssue(env.Ctx, "box-1", engine.IssueCreate{
		IssueType:   "dimensional",
		Severity:    "high",
		Description: "wall panel 6mm out of square",
	}, tester)
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return qi
}

func TestIssueResolutionFields(t *testing.T) {
	env := newTestEnv(t)
	qi := seedIssue(t, env)
	if qi.Status != domain.IssueOpen || qi.RaisedBy != "tester" {
		t.Fatalf("unexpected issue: %+v", qi)
	}

	_, err := env.Engine.UpdateQualityIssueStatus(env.Ctx, qi.ID, engine.IssueStatusUpdate{Status: domain.IssueResolved}, tester)
	if err == nil {
		t.Fatalf("resolving without description must fail")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindValidation {
		t.Fatalf("kind = %s", kind)
	}

	qi, err = env.Engine.UpdateQualityIssueStatus(env.Ctx, qi.ID, engine.IssueStatusUpdate{
		Status:                domain.IssueResolved,
		ResolutionDescription: "panel recast within tolerance",
		Evidence:              "photos/qi-1-recast.jpg",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if qi.ResolutionDescription == nil || qi.ResolutionDate == nil {
		t.Fatalf("resolution fields not stamped: %+v", qi)
	}
	if qi.EvidencePath == nil || *qi.EvidencePath != "photos/qi-1-recast.jpg" {
		t.Fatalf("evidence path not stored: %+v", qi)
	}

	// Reopening clears both resolution fields unconditionally.
	qi, err = env.Engine.UpdateQualityIssueStatus(env.Ctx, qi.ID, engine.IssueStatusUpdate{Status: domain.IssueOpen}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if qi.ResolutionDescription != nil || qi.ResolutionDate != nil {
		t.Fatalf("resolution fields must be cleared on reopen: %+v", qi)
	}
}

func TestIssueAssignmentValidation(t *testing.T) {
	env := newTestEnv(t)
	qi := seedIssue(t, env)
	if _, err := env.Engine.CreateUser(env.Ctx, domain.User{ID: "u-omar", Name: "Omar"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateUser(env.Ctx, domain.User{ID: "u-lena", Name: "Lena"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTeam(env.Ctx, domain.Team{ID: "t-qc", Name: "QC"}, []string{"u-omar"}); err != nil {
		t.Fatal(err)
	}

	// Member outside the team plus unknown cc user: both problems reported,
	// nothing applied.
	_, err := env.Engine.AssignQualityIssue(env.Ctx, qi.ID, "t-qc", "u-lena", "u-ghost", tester)
	if err == nil {
		t.Fatalf("expected assignment validation failure")
	}
	if !strings.Contains(err.Error(), "u-lena") || !strings.Contains(err.Error(), "u-ghost") {
		t.Fatalf("all problems must be reported: %v", err)
	}
	got, err := env.Engine.GetQualityIssue(env.Ctx, qi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TeamID != nil || got.MemberID != nil || got.CCUserID != nil {
		t.Fatalf("failed assignment must not apply partially: %+v", got)
	}

	qi, err = env.Engine.AssignQualityIssue(env.Ctx, qi.ID, "t-qc", "u-omar", "u-lena", tester)
	if err != nil {
		t.Fatalf("valid assignment: %v", err)
	}
	if qi.TeamID == nil || *qi.TeamID != "t-qc" || qi.MemberID == nil || *qi.MemberID != "u-omar" {
		t.Fatalf("assignment not applied: %+v", qi)
	}
}

func TestIssueLinksToCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	qi, err := env.Engine.CreateQualityIssue(env.Ctx, "box-1", engine.IssueCreate{
		CheckpointID: cp.ID,
		IssueType:    "surface",
		Severity:     "medium",
		Description:  "honeycombing on north face",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if qi.CheckpointID == nil || *qi.CheckpointID != cp.ID {
		t.Fatalf("checkpoint link missing: %+v", qi)
	}

	_, err = env.Engine.CreateQualityIssue(env.Ctx, "box-1", engine.IssueCreate{
		CheckpointID: "no-such-wir",
		IssueType:    "surface",
		Severity:     "medium",
		Description:  "x",
	}, tester)
	if kind, _ := engine.KindOf(err); kind != engine.KindNotFound {
		t.Fatalf("unknown checkpoint: kind = %s, err = %v", kind, err)
	}

	_, err = env.Engine.CreateQualityIssue(env.Ctx, "no-such-box", engine.IssueCreate{
		IssueType: "surface", Severity: "low", Description: "x",
	}, tester)
	if kind, _ := engine.KindOf(err); kind != engine.KindNotFound {
		t.Fatalf("unknown box: kind = %s, err = %v", kind, err)
	}
}
