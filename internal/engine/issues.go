package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"castline/internal/audit"
	"castline/internal/domain"
	"castline/internal/repo"
)

var issueSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

type IssueCreate struct {
	ID           string
	CheckpointID string
	IssueType    string
	Severity     string
	Description  string
	TeamID       string
	MemberID     string
	CCUserID     string
	DueDate      string
	Evidence     string
}

// CreateQualityIssue raises a defect against a box, optionally linked to the
// checkpoint whose inspection surfaced it.
func (e Engine) CreateQualityIssue(ctx context.Context, boxID string, in IssueCreate, identity domain.Identity) (domain.QualityIssue, error) {
	if strings.TrimSpace(in.Description) == "" {
		return domain.QualityIssue{}, validationf(nil, "issue description required")
	}
	if in.IssueType == "" {
		return domain.QualityIssue{}, validationf(nil, "issue type required")
	}
	if !issueSeverities[in.Severity] {
		return domain.QualityIssue{}, validationf(nil, "invalid severity %q", in.Severity)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QualityIssue{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "issue.create"); err != nil {
		return domain.QualityIssue{}, wrap(err, "issue", "")
	}
	box, err := e.Repo.GetBox(ctx, tx, boxID)
	if err != nil {
		return domain.QualityIssue{}, wrap(err, "box", boxID)
	}
	project, err := e.Repo.GetProject(ctx, tx, box.ProjectID)
	if err != nil {
		return domain.QualityIssue{}, wrap(err, "project", box.ProjectID)
	}
	if err := e.Gate.RequireProjectOpen(project); err != nil {
		return domain.QualityIssue{}, wrap(err, "project", project.ID)
	}
	if in.CheckpointID != "" {
		if _, err := e.Repo.GetCheckpoint(ctx, tx, in.CheckpointID); err != nil {
			return domain.QualityIssue{}, wrap(err, "checkpoint", in.CheckpointID)
		}
	}
	asg := issueAssignment{TeamID: in.TeamID, MemberID: in.MemberID, CCUserID: in.CCUserID}
	if err := e.validateAssignment(ctx, tx, asg); err != nil {
		return domain.QualityIssue{}, err
	}
	now := e.nowStr()
	qi := domain.QualityIssue{
		ID:           newID(in.ID),
		BoxID:        box.ID,
		CheckpointID: optionalString(in.CheckpointID),
		IssueType:    in.IssueType,
		Severity:     in.Severity,
		Description:  in.Description,
		Status:       domain.IssueOpen,
		TeamID:       optionalString(in.TeamID),
		MemberID:     optionalString(in.MemberID),
		CCUserID:     optionalString(in.CCUserID),
		DueDate:      optionalString(in.DueDate),
		EvidencePath: optionalString(in.Evidence),
		RaisedBy:     identity.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertQualityIssue(ctx, tx, qi); err != nil {
		return domain.QualityIssue{}, persistence(err, "insert issue")
	}
	if err := e.recorder().Record(ctx, tx, "quality_issues", qi.ID, "create", identity.ActorID,
		fmt.Sprintf("%s issue raised on box %s", qi.Severity, box.Name), nil); err != nil {
		return domain.QualityIssue{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.QualityIssue{}, persistence(err, "commit")
	}
	return qi, nil
}

type IssueStatusUpdate struct {
	Status                string
	ResolutionDescription string
	Evidence              string
}

// UpdateQualityIssueStatus moves an issue through its lifecycle. Transitions
// are permissive; a resolved issue may be reopened. Resolving or closing
// requires a resolution description and stamps the resolution date; any
// other target status clears both.
func (e Engine) UpdateQualityIssueStatus(ctx context.Context, issueID string, upd IssueStatusUpdate, identity domain.Identity) (domain.QualityIssue, error) {
	status := upd.Status
	switch status {
	case domain.IssueOpen, domain.IssueInProgress, domain.IssueResolved, domain.IssueClosed:
	default:
		return domain.QualityIssue{}, validationf(nil, "invalid issue status %q", status)
	}
	resolving := status == domain.IssueResolved || status == domain.IssueClosed
	if resolving && strings.TrimSpace(upd.ResolutionDescription) == "" {
		return domain.QualityIssue{}, validationf(nil, "resolution description required to mark issue %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QualityIssue{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "issue.update"); err != nil {
		return domain.QualityIssue{}, wrap(err, "issue", issueID)
	}
	qi, err := e.Repo.GetQualityIssue(ctx, tx, issueID)
	if err != nil {
		return domain.QualityIssue{}, wrap(err, "issue", issueID)
	}
	changes := audit.Change(nil, "status", qi.Status, status)
	qi.Status = status
	if resolving {
		now := e.nowStr()
		qi.ResolutionDescription = &upd.ResolutionDescription
		qi.ResolutionDate = &now
	} else {
		qi.ResolutionDescription = nil
		qi.ResolutionDate = nil
	}
	if upd.Evidence != "" {
		changes = audit.Change(changes, "evidence_path", deref(qi.EvidencePath), upd.Evidence)
		qi.EvidencePath = &upd.Evidence
	}
	qi.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateQualityIssue(ctx, tx, qi); err != nil {
		return domain.QualityIssue{}, persistence(err, "update issue")
	}
	if err := e.recorder().Record(ctx, tx, "quality_issues", qi.ID, "status", identity.ActorID,
		deref(qi.ResolutionDescription), changes); err != nil {
		return domain.QualityIssue{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.QualityIssue{}, persistence(err, "commit")
	}
	return qi, nil
}

type issueAssignment struct {
	TeamID   string
	MemberID string
	CCUserID string
}

// validateAssignment checks every referenced directory entity and reports all
// problems at once so the caller can fix the batch in one pass.
func (e Engine) validateAssignment(ctx context.Context, tx *sql.Tx, asg issueAssignment) error {
	var problems []string
	details := map[string]any{}
	if asg.TeamID != "" {
		if _, err := e.Repo.GetTeam(ctx, tx, asg.TeamID); err == repo.ErrNotFound {
			problems = append(problems, "team "+asg.TeamID+" not found")
			details["team_id"] = asg.TeamID
		} else if err != nil {
			return persistence(err, "load team")
		}
	}
	if asg.MemberID != "" {
		if _, err := e.Repo.GetUser(ctx, tx, asg.MemberID); err == repo.ErrNotFound {
			problems = append(problems, "user "+asg.MemberID+" not found")
			details["member_id"] = asg.MemberID
		} else if err != nil {
			return persistence(err, "load user")
		} else if asg.TeamID == "" {
			problems = append(problems, "member assignment requires a team")
			details["member_id"] = asg.MemberID
		} else {
			ok, err := e.Repo.IsTeamMember(ctx, tx, asg.TeamID, asg.MemberID)
			if err != nil {
				return persistence(err, "check team membership")
			}
			if !ok {
				problems = append(problems, fmt.Sprintf("user %s is not a member of team %s", asg.MemberID, asg.TeamID))
				details["member_id"] = asg.MemberID
			}
		}
	}
	if asg.CCUserID != "" {
		if _, err := e.Repo.GetUser(ctx, tx, asg.CCUserID); err == repo.ErrNotFound {
			problems = append(problems, "cc user "+asg.CCUserID+" not found")
			details["cc_user_id"] = asg.CCUserID
		} else if err != nil {
			return persistence(err, "load cc user")
		}
	}
	if len(problems) > 0 {
		return validationf(details, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// AssignQualityIssue routes an issue to a team, a member of that team and an
// optional cc recipient. Validation is all-or-nothing; no field is applied
// unless every referenced entity checks out.
func (e Engine) AssignQualityIssue(ctx context.Context, issueID string, teamID, memberID, ccUserID string, identity domain.Identity) (domain.QualityIssue, error) {
	if teamID == "" && memberID == "" && ccUserID == "" {
		return domain.QualityIssue{}, validationf(nil, "nothing to assign")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QualityIssue{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Gate.RequirePermission(identity, "issue.assign"); err != nil {
		return domain.QualityIssue{}, wrap(err, "issue", issueID)
	}
	qi, err := e.Repo.GetQualityIssue(ctx, tx, issueID)
	if err != nil {
		return domain.QualityIssue{}, wrap(err, "issue", issueID)
	}
	asg := issueAssignment{TeamID: teamID, MemberID: memberID, CCUserID: ccUserID}
	if asg.TeamID == "" && qi.TeamID != nil {
		asg.TeamID = *qi.TeamID
	}
	if err := e.validateAssignment(ctx, tx, asg); err != nil {
		return domain.QualityIssue{}, err
	}
	var changes []audit.FieldChange
	if teamID != "" {
		changes = audit.Change(changes, "team_id", deref(qi.TeamID), teamID)
		qi.TeamID = &teamID
	}
	if memberID != "" {
		changes = audit.Change(changes, "member_id", deref(qi.MemberID), memberID)
		qi.MemberID = &memberID
	}
	if ccUserID != "" {
		changes = audit.Change(changes, "cc_user_id", deref(qi.CCUserID), ccUserID)
		qi.CCUserID = &ccUserID
	}
	if len(changes) == 0 {
		return qi, tx.Commit()
	}
	qi.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateQualityIssue(ctx, tx, qi); err != nil {
		return domain.QualityIssue{}, persistence(err, "update issue")
	}
	if err := e.recorder().Record(ctx, tx, "quality_issues", qi.ID, "assign", identity.ActorID, "", changes); err != nil {
		return domain.QualityIssue{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.QualityIssue{}, persistence(err, "commit")
	}
	return qi, nil
}

// GetQualityIssue returns one issue.
func (e Engine) GetQualityIssue(ctx context.Context, id string) (domain.QualityIssue, error) {
	qi, err := e.Repo.GetQualityIssue(ctx, nil, id)
	if err != nil {
		return qi, wrap(err, "issue", id)
	}
	return qi, nil
}

// ListQualityIssues returns issues matching the filters.
func (e Engine) ListQualityIssues(ctx context.Context, f repo.IssueFilters) ([]domain.QualityIssue, error) {
	res, err := e.Repo.ListQualityIssues(ctx, f)
	if err != nil {
		return nil, persistence(err, "list issues")
	}
	return res, nil
}
