package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"castline/internal/audit"
	"castline/internal/domain"
	"castline/internal/repo"
)

var activityStatuses = map[string]bool{
	domain.StatusNotStarted: true,
	domain.StatusInProgress: true,
	domain.StatusCompleted:  true,
	domain.StatusOnHold:     true,
	domain.StatusDelayed:    true,
}

type ActivityStatusUpdate struct {
	Status            string
	Progress          *float64
	WorkDescription   string
	IssuesEncountered string
}

// UpdateActivityStatus records manufacturing progress on one activity and
// recomputes its box, and where the box first starts, its project, all inside
// the same transaction. Reads after the activity write observe the staged row,
// so the recompute always includes the update that triggered it.
func (e Engine) UpdateActivityStatus(ctx context.Context, activityID string, upd ActivityStatusUpdate, identity domain.Identity) (domain.Activity, error) {
	if !activityStatuses[upd.Status] {
		return domain.Activity{}, validationf(nil, "invalid activity status %q", upd.Status)
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return domain.Activity{}, validationf(nil, "progress must be between 0 and 100")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "activity.update"); err != nil {
		return domain.Activity{}, wrap(err, "activity", activityID)
	}
	act, _, _, err := e.activityScope(ctx, tx, activityID)
	if err != nil {
		return domain.Activity{}, err
	}
	now := e.nowStr()
	var changes []audit.FieldChange
	changes = audit.Change(changes, "status", act.Status, upd.Status)
	act.Status = upd.Status
	if upd.Progress != nil {
		changes = audit.Change(changes, "progress_percentage", act.ProgressPercentage, *upd.Progress)
		act.ProgressPercentage = *upd.Progress
	}
	switch act.Status {
	case domain.StatusCompleted:
		if act.ProgressPercentage != 100 {
			changes = audit.Change(changes, "progress_percentage", act.ProgressPercentage, float64(100))
			act.ProgressPercentage = 100
		}
		act.ActualEndDate = &now
	default:
		// Leaving completed invalidates the recorded end date.
		act.ActualEndDate = nil
	}
	if act.Status == domain.StatusInProgress && act.ActualStartDate == nil {
		act.ActualStartDate = &now
	}
	act.UpdatedAt = now
	if err := e.Repo.UpdateActivity(ctx, tx, act); err != nil {
		return domain.Activity{}, persistence(err, "update activity")
	}
	if err := e.recorder().Record(ctx, tx, "activities", act.ID, "status", identity.ActorID,
		progressNote(upd.WorkDescription, upd.IssuesEncountered), changes); err != nil {
		return domain.Activity{}, persistence(err, "audit")
	}
	if err := e.recomputeBox(ctx, tx, act.BoxID, identity); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, persistence(err, "commit")
	}
	return act, nil
}

// progressNote folds the field notes into the audit description.
func progressNote(work, issues string) string {
	var parts []string
	if work != "" {
		parts = append(parts, work)
	}
	if issues != "" {
		parts = append(parts, "issues: "+issues)
	}
	return strings.Join(parts, "; ")
}

// recomputeBox derives box progress and status from its active activities.
// A box with no active activities is left alone. A box whose activities are
// all completed becomes completed; any progress at all makes it in_progress
// and stamps the start date once. When a box starts for the first time the
// project's actual start date is stamped as well. A missing box or project
// means the activity is orphaned mid-reorganization; the recompute skips
// silently rather than failing the activity update.
func (e Engine) recomputeBox(ctx context.Context, tx *sql.Tx, boxID string, identity domain.Identity) error {
	box, err := e.Repo.GetBox(ctx, tx, boxID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistence(err, "load box")
	}
	acts, err := e.Repo.ListActiveActivities(ctx, tx, box.ID)
	if err != nil {
		return persistence(err, "list activities")
	}
	if len(acts) == 0 {
		return nil
	}
	var sum float64
	allCompleted := true
	for _, a := range acts {
		sum += a.ProgressPercentage
		if a.Status != domain.StatusCompleted {
			allCompleted = false
		}
	}
	avg := sum / float64(len(acts))
	now := e.nowStr()
	prevStatus := box.Status
	var changes []audit.FieldChange
	changes = audit.Change(changes, "progress_percentage", box.ProgressPercentage, avg)
	box.ProgressPercentage = avg
	switch {
	case allCompleted:
		changes = audit.Change(changes, "status", box.Status, domain.StatusCompleted)
		box.Status = domain.StatusCompleted
		box.ActualEndDate = &now
	case avg > 0:
		changes = audit.Change(changes, "status", box.Status, domain.StatusInProgress)
		box.Status = domain.StatusInProgress
		if box.ActualStartDate == nil {
			box.ActualStartDate = &now
		}
	}
	if len(changes) == 0 {
		return nil
	}
	if err := e.Repo.UpdateBox(ctx, tx, box); err != nil {
		return persistence(err, "update box")
	}
	if err := e.recorder().Record(ctx, tx, "boxes", box.ID, "cascade", identity.ActorID,
		fmt.Sprintf("recomputed from %d activities", len(acts)), changes); err != nil {
		return persistence(err, "audit")
	}
	if prevStatus == domain.StatusNotStarted && box.Status == domain.StatusInProgress {
		if err := e.cascadeProjectStart(ctx, tx, box.ProjectID, box.ID, identity); err != nil {
			return err
		}
	}
	return nil
}

// cascadeProjectStart stamps the project's actual start date the first time
// any of its boxes enters production. Project status is never recomputed.
func (e Engine) cascadeProjectStart(ctx context.Context, tx *sql.Tx, projectID, boxID string, identity domain.Identity) error {
	project, err := e.Repo.GetProject(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistence(err, "load project")
	}
	if project.ActualStartDate != nil {
		return nil
	}
	now := e.nowStr()
	if err := e.Repo.SetProjectActualStart(ctx, tx, project.ID, now); err != nil {
		return persistence(err, "set project start")
	}
	if err := e.recorder().Record(ctx, tx, "projects", project.ID, "cascade", identity.ActorID,
		fmt.Sprintf("production started with box %s", boxID),
		audit.Change(nil, "actual_start_date", "", now)); err != nil {
		return persistence(err, "audit")
	}
	return nil
}

// GetActivity returns one activity.
func (e Engine) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, nil, id)
	if err != nil {
		return a, wrap(err, "activity", id)
	}
	return a, nil
}

// GetBox returns one box.
func (e Engine) GetBox(ctx context.Context, id string) (domain.Box, error) {
	b, err := e.Repo.GetBox(ctx, nil, id)
	if err != nil {
		return b, wrap(err, "box", id)
	}
	return b, nil
}

// GetProject returns one project.
func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, id)
	if err != nil {
		return p, wrap(err, "project", id)
	}
	return p, nil
}
