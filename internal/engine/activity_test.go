package engine_test

import (
	"strings"
	"testing"
	"time"

	"castline/internal/domain"
	"castline/internal/engine"
	"castline/internal/repo"
)

func floatPtr(v float64) *float64 { return &v }

func TestCascadeBoxAndProjectStart(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.CreateActivity(env.Ctx, "box-1", engine.ActivityCreate{ID: "act-2", Name: "Finishing"}, tester); err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{
		Status:          domain.StatusInProgress,
		Progress:        floatPtr(40),
		WorkDescription: "rebar cage placed",
	}, tester)
	if err != nil {
		t.Fatalf("update activity: %v", err)
	}
	if act.ActualStartDate == nil || *act.ActualStartDate != "2024-01-01T00:00:00Z" {
		t.Fatalf("activity start date = %v", act.ActualStartDate)
	}
	box, err := env.Engine.GetBox(env.Ctx, "box-1")
	if err != nil {
		t.Fatal(err)
	}
	if box.ProgressPercentage != 20 {
		t.Fatalf("box progress = %v, want average 20", box.ProgressPercentage)
	}
	if box.Status != domain.StatusInProgress || box.ActualStartDate == nil {
		t.Fatalf("box not started: %+v", box)
	}
	project, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if project.ActualStartDate == nil {
		t.Fatalf("project start date must be stamped on first box start")
	}
	if project.Status != domain.StatusActive {
		t.Fatalf("project status must never be recomputed, got %s", project.Status)
	}
}

func TestCascadeAllCompleted(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.CreateActivity(env.Ctx, "box-1", engine.ActivityCreate{ID: "act-2", Name: "Finishing"}, tester); err != nil {
		t.Fatal(err)
	}
	// Completion forces progress to 100 even when the caller sends less.
	act, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{
		Status:   domain.StatusCompleted,
		Progress: floatPtr(90),
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if act.ProgressPercentage != 100 || act.ActualEndDate == nil {
		t.Fatalf("completed activity: %+v", act)
	}
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-2", engine.ActivityStatusUpdate{Status: domain.StatusCompleted}, tester); err != nil {
		t.Fatal(err)
	}
	box, err := env.Engine.GetBox(env.Ctx, "box-1")
	if err != nil {
		t.Fatal(err)
	}
	if box.Status != domain.StatusCompleted || box.ProgressPercentage != 100 || box.ActualEndDate == nil {
		t.Fatalf("box not completed: %+v", box)
	}
}

func TestLeavingCompletedClearsEndDate(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{Status: domain.StatusCompleted}, tester); err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{
		Status:   domain.StatusInProgress,
		Progress: floatPtr(60),
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if act.ActualEndDate != nil {
		t.Fatalf("end date must be cleared when work reopens: %+v", act)
	}
	if act.ProgressPercentage != 60 {
		t.Fatalf("progress = %v", act.ProgressPercentage)
	}
}

func TestProjectStartStampedOnce(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{Status: domain.StatusInProgress, Progress: floatPtr(10)}, tester); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	// A later box starting on a later day must not move the project date.
	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC) }
	seedActivity(t, env, "box-2", "act-3")
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-3", engine.ActivityStatusUpdate{Status: domain.StatusInProgress, Progress: floatPtr(10)}, tester); err != nil {
		t.Fatal(err)
	}
	project, err := env.Engine.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if *project.ActualStartDate != *first.ActualStartDate {
		t.Fatalf("project start moved: %s -> %s", *first.ActualStartDate, *project.ActualStartDate)
	}
}

func TestDeactivatedActivityExcludedFromRecompute(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.CreateActivity(env.Ctx, "box-1", engine.ActivityCreate{ID: "act-2", Name: "Finishing"}, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{Status: domain.StatusInProgress, Progress: floatPtr(40)}, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeactivateActivity(env.Ctx, "act-2", tester); err != nil {
		t.Fatal(err)
	}
	box, err := env.Engine.GetBox(env.Ctx, "box-1")
	if err != nil {
		t.Fatal(err)
	}
	if box.ProgressPercentage != 40 {
		t.Fatalf("box progress = %v, want 40 over the one active activity", box.ProgressPercentage)
	}
}

func TestActivityUpdateBlockedOnHeldProject(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, nil, "proj-1", domain.StatusOnHold); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{Status: domain.StatusInProgress}, tester)
	if err == nil {
		t.Fatalf("expected held project to block updates")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindPolicyDenied {
		t.Fatalf("kind = %s", kind)
	}
}

func TestPermissionDeniedForUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	outsider := domain.Identity{ActorID: "guest", Role: "visitor"}
	_, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{Status: domain.StatusInProgress}, outsider)
	if err == nil {
		t.Fatalf("expected permission denial")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindPolicyDenied {
		t.Fatalf("kind = %s", kind)
	}
	if !strings.Contains(err.Error(), "activity.update") {
		t.Fatalf("denial must name the permission: %v", err)
	}
}

func TestStatusUpdateWritesAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	seedActivity(t, env, "box-1", "act-1")
	if _, err := env.Engine.UpdateActivityStatus(env.Ctx, "act-1", engine.ActivityStatusUpdate{
		Status:            domain.StatusInProgress,
		Progress:          floatPtr(40),
		WorkDescription:   "rebar cage placed",
		IssuesEncountered: "late steel delivery",
	}, tester); err != nil {
		t.Fatal(err)
	}
	recs, err := env.Engine.Repo.ListAuditRecords(env.Ctx, repo.AuditFilters{TableName: "activities", RecordID: "act-1"})
	if err != nil {
		t.Fatal(err)
	}
	var status *domain.AuditRecord
	for i := range recs {
		if recs[i].Action == "status" {
			status = &recs[i]
		}
	}
	if status == nil {
		t.Fatalf("no status audit record: %+v", recs)
	}
	if status.ActorID != "tester" {
		t.Fatalf("actor = %s", status.ActorID)
	}
	if !strings.Contains(status.Description, "rebar cage placed") || !strings.Contains(status.Description, "late steel delivery") {
		t.Fatalf("field notes missing from description: %q", status.Description)
	}
	if !strings.Contains(status.ChangesJSON, `"field":"status"`) || !strings.Contains(status.ChangesJSON, `"new":"in_progress"`) {
		t.Fatalf("structured diff missing: %s", status.ChangesJSON)
	}
	// The cascade writes its own records for the box and project.
	boxRecs, err := env.Engine.Repo.ListAuditRecords(env.Ctx, repo.AuditFilters{TableName: "boxes", RecordID: "box-1"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range boxRecs {
		if r.Action == "cascade" {
			found = true
		}
	}
	if !found {
		t.Fatalf("box cascade not audited: %+v", boxRecs)
	}
}
