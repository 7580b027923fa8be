package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"castline/internal/config"
	"castline/internal/db"
	"castline/internal/domain"
	"castline/internal/engine"
	"castline/internal/migrate"
)

var tester = domain.Identity{ActorID: "tester", Name: "Tess Ops", Role: "owner"}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectInit{ID: "proj-1", Name: "Harbour Modules", Config: cfg}, tester); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedActivity creates a box with one activity and returns the activity ID.
func seedActivity(t *testing.T, env testEnv, boxID, actID string) string {
	t.Helper()
	if _, err := env.Engine.CreateBox(env.Ctx, "proj-1", engine.BoxCreate{ID: boxID, Name: "Box " + boxID}, tester); err != nil {
		t.Fatalf("create box: %v", err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, boxID, engine.ActivityCreate{ID: actID, Name: "Casting", IsWIRCheckpoint: true}, tester)
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return act.ID
}

func TestCheckpointReviewOutcomes(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{Name: "Pre-pour"}, tester)
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if cp.Status != domain.CheckpointPending || cp.RequestedBy != "tester" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	cp, err = env.Engine.AddChecklistItemsFromCatalog(env.Ctx, cp.ID,
		[]string{"rebar.cover", "rebar.spacing", "formwork.dimensions"}, tester)
	if err != nil {
		t.Fatalf("clone catalog: %v", err)
	}
	if len(cp.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(cp.Items))
	}
	results := []engine.ItemResult{
		{ItemID: cp.Items[0].ID, Status: "pass"},
		{ItemID: cp.Items[1].ID, Status: "pass"},
		{ItemID: cp.Items[2].ID, Status: "fail", Remarks: "mould out of tolerance"},
	}
	cp, err = env.Engine.ReviewCheckpoint(env.Ctx, cp.ID, engine.CheckpointReview{
		FinalStatus:   domain.CheckpointRejected,
		Items:         results,
		InspectorName: "R. Vega",
		InspectorRole: "qc-lead",
		Comments:      "dimension check failed",
		Evidence:      []string{"wir/box-1/mould.jpg"},
	}, tester)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if cp.Status != domain.CheckpointRejected {
		t.Fatalf("status = %s", cp.Status)
	}
	if cp.ApprovalDate != nil {
		t.Fatalf("rejected checkpoint must not carry approval date")
	}
	if cp.InspectionDate == nil || *cp.InspectionDate != "2024-01-01T00:00:00Z" {
		t.Fatalf("inspection date = %v", cp.InspectionDate)
	}
	if cp.Items[2].Status != "fail" || cp.Items[2].Remarks == nil {
		t.Fatalf("item grades not applied: %+v", cp.Items[2])
	}
	if len(cp.Images) != 1 || cp.Images[0].Sequence != 1 {
		t.Fatalf("evidence not appended: %+v", cp.Images)
	}

	// Re-review is allowed from any reviewed state and overwrites the outcome.
	cp, err = env.Engine.ReviewCheckpoint(env.Ctx, cp.ID, engine.CheckpointReview{
		FinalStatus: domain.CheckpointApproved,
		Items: []engine.ItemResult{
			{ItemID: results[2].ItemID, Status: "pass", Remarks: "re-measured after rework"},
		},
		Evidence: []string{"wir/box-1/mould-fixed.jpg"},
	}, tester)
	if err != nil {
		t.Fatalf("re-review: %v", err)
	}
	if cp.Status != domain.CheckpointApproved || cp.ApprovalDate == nil {
		t.Fatalf("approval not recorded: %+v", cp)
	}
	if len(cp.Images) != 2 || cp.Images[1].Sequence != 2 {
		t.Fatalf("image sequence must continue: %+v", cp.Images)
	}
}

func TestCatalogCloneReportsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddChecklistItemsFromCatalog(env.Ctx, cp.ID, []string{"rebar.cover"}, tester); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AddChecklistItemsFromCatalog(env.Ctx, cp.ID, []string{"rebar.cover", "no.such.item"}, tester)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindValidation {
		t.Fatalf("kind = %s", kind)
	}
	if !strings.Contains(err.Error(), "rebar.cover") || !strings.Contains(err.Error(), "no.such.item") {
		t.Fatalf("both offending ids must be named: %v", err)
	}
	details := engine.Details(err)
	if details["duplicate"] == nil || details["missing"] == nil {
		t.Fatalf("details = %v", details)
	}
	// The failed batch must not have touched the checklist.
	cp, err = env.Engine.GetCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cp.Items) != 1 {
		t.Fatalf("partial application: %d items", len(cp.Items))
	}
}

func TestReviewRejectsUnownedItems(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	other, err = env.Engine.AddChecklistItems(env.Ctx, other.ID, []engine.ChecklistItemInput{{Description: "stray", Sequence: 1}}, tester)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ReviewCheckpoint(env.Ctx, cp.ID, engine.CheckpointReview{
		FinalStatus: domain.CheckpointApproved,
		Items: []engine.ItemResult{
			{ItemID: other.Items[0].ID, Status: "pass"},
			{ItemID: "ghost-item", Status: "pass"},
		},
	}, tester)
	if err == nil {
		t.Fatalf("expected unowned items to be rejected")
	}
	details := engine.Details(err)
	unknown, _ := details["unknown_items"].([]string)
	if len(unknown) != 2 {
		t.Fatalf("all unowned ids must be reported: %v", details)
	}
	cp, err = env.Engine.GetCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != domain.CheckpointPending {
		t.Fatalf("failed review must roll back, status = %s", cp.Status)
	}
}

func TestChecklistSequenceContinues(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	cp, err = env.Engine.AddChecklistItems(env.Ctx, cp.ID, []engine.ChecklistItemInput{
		{Description: "curing record attached", Sequence: 20},
		{Description: "lifting anchors torque-checked", Sequence: 10},
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	// Caller order is by supplied sequence, numbering restarts at max+1.
	if cp.Items[0].Description != "lifting anchors torque-checked" || cp.Items[0].Sequence != 1 || cp.Items[1].Sequence != 2 {
		t.Fatalf("unexpected ordering: %+v", cp.Items)
	}
	cp, err = env.Engine.AddChecklistItemsFromCatalog(env.Ctx, cp.ID, []string{"concrete.finish"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Items[2].Sequence != 3 || cp.Items[2].CatalogItemID == nil {
		t.Fatalf("catalog clone misnumbered: %+v", cp.Items[2])
	}
	// Deleting leaves a gap, the next append continues past it.
	if err := env.Engine.DeleteChecklistItem(env.Ctx, cp.Items[0].ID, tester); err != nil {
		t.Fatal(err)
	}
	cp, err = env.Engine.AddChecklistItems(env.Ctx, cp.ID, []engine.ChecklistItemInput{{Description: "handover docs", Sequence: 1}}, tester)
	if err != nil {
		t.Fatal(err)
	}
	last := cp.Items[len(cp.Items)-1]
	if last.Sequence != 4 {
		t.Fatalf("sequence after delete = %d", last.Sequence)
	}
}

func TestChecklistItemPatch(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	cp, err := env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err != nil {
		t.Fatal(err)
	}
	cp, err = env.Engine.AddChecklistItemsFromCatalog(env.Ctx, cp.ID, []string{"rebar.cover"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	status := "fail"
	remarks := "cover 12mm below spec"
	it, err := env.Engine.UpdateChecklistItem(env.Ctx, cp.Items[0].ID, engine.ChecklistItemPatch{
		Status:  &status,
		Remarks: &remarks,
	}, tester)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if it.Status != "fail" || it.Remarks == nil || *it.Remarks != remarks {
		t.Fatalf("patch not applied: %+v", it)
	}
	if it.CatalogItemID == nil || *it.CatalogItemID != "rebar.cover" {
		t.Fatalf("catalog linkage must survive updates: %+v", it)
	}
	bad := "maybe"
	if _, err := env.Engine.UpdateChecklistItem(env.Ctx, it.ID, engine.ChecklistItemPatch{Status: &bad}, tester); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func TestCheckpointBlockedOnDispatchedBox(t *testing.T) {
	env := newTestEnv(t)
	actID := seedActivity(t, env, "box-1", "act-1")
	box, err := env.Engine.GetBox(env.Ctx, "box-1")
	if err != nil {
		t.Fatal(err)
	}
	box.Dispatched = true
	if err := env.Engine.Repo.UpdateBox(env.Ctx, nil, box); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateCheckpoint(env.Ctx, actID, engine.CheckpointCreate{}, tester)
	if err == nil {
		t.Fatalf("expected dispatched box to block inspection")
	}
	if kind, _ := engine.KindOf(err); kind != engine.KindPolicyDenied {
		t.Fatalf("kind = %s", kind)
	}
}
