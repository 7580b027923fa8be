package repo

import (
	"context"
	"database/sql"
	"strings"

	"castline/internal/domain"
)

const issueColumns = `id,box_id,checkpoint_id,issue_type,severity,description,status,resolution_description,resolution_date,team_id,member_id,cc_user_id,due_date,evidence_path,raised_by,created_at,updated_at`

func scanIssue(scan func(dest ...any) error) (domain.QualityIssue, error) {
	var qi domain.QualityIssue
	var checkpointID, resolutionDesc, resolutionDate, teamID, memberID, ccUserID, dueDate, evidencePath sql.NullString
	err := scan(&qi.ID, &qi.BoxID, &checkpointID, &qi.IssueType, &qi.Severity, &qi.Description, &qi.Status,
		&resolutionDesc, &resolutionDate, &teamID, &memberID, &ccUserID, &dueDate, &evidencePath, &qi.RaisedBy, &qi.CreatedAt, &qi.UpdatedAt)
	if err == sql.ErrNoRows {
		return qi, ErrNotFound
	}
	if err != nil {
		return qi, err
	}
	if checkpointID.Valid {
		qi.CheckpointID = &checkpointID.String
	}
	if resolutionDesc.Valid {
		qi.ResolutionDescription = &resolutionDesc.String
	}
	if resolutionDate.Valid {
		qi.ResolutionDate = &resolutionDate.String
	}
	if teamID.Valid {
		qi.TeamID = &teamID.String
	}
	if memberID.Valid {
		qi.MemberID = &memberID.String
	}
	if ccUserID.Valid {
		qi.CCUserID = &ccUserID.String
	}
	if dueDate.Valid {
		qi.DueDate = &dueDate.String
	}
	if evidencePath.Valid {
		qi.EvidencePath = &evidencePath.String
	}
	return qi, nil
}

func (r Repo) InsertQualityIssue(ctx context.Context, tx *sql.Tx, qi domain.QualityIssue) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO quality_issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		qi.ID, qi.BoxID, nullableStringPtr(qi.CheckpointID), qi.IssueType, qi.Severity, qi.Description, qi.Status,
		nullableStringPtr(qi.ResolutionDescription), nullableStringPtr(qi.ResolutionDate), nullableStringPtr(qi.TeamID),
		nullableStringPtr(qi.MemberID), nullableStringPtr(qi.CCUserID), nullableStringPtr(qi.DueDate),
		nullableStringPtr(qi.EvidencePath), qi.RaisedBy, qi.CreatedAt, qi.UpdatedAt)
	return err
}

func (r Repo) GetQualityIssue(ctx context.Context, tx *sql.Tx, id string) (domain.QualityIssue, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM quality_issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

func (r Repo) UpdateQualityIssue(ctx context.Context, tx *sql.Tx, qi domain.QualityIssue) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE quality_issues SET issue_type=?, severity=?, description=?, status=?, resolution_description=?, resolution_date=?, team_id=?, member_id=?, cc_user_id=?, due_date=?, evidence_path=?, updated_at=? WHERE id=?`,
		qi.IssueType, qi.Severity, qi.Description, qi.Status, nullableStringPtr(qi.ResolutionDescription), nullableStringPtr(qi.ResolutionDate),
		nullableStringPtr(qi.TeamID), nullableStringPtr(qi.MemberID), nullableStringPtr(qi.CCUserID), nullableStringPtr(qi.DueDate),
		nullableStringPtr(qi.EvidencePath), qi.UpdatedAt, qi.ID)
	return err
}

type IssueFilters struct {
	BoxID        string
	CheckpointID string
	Status       string
	Severity     string
	Limit        int
}

func (r Repo) ListQualityIssues(ctx context.Context, f IssueFilters) ([]domain.QualityIssue, error) {
	var clauses []string
	var args []any
	if f.BoxID != "" {
		clauses = append(clauses, "box_id=?")
		args = append(args, f.BoxID)
	}
	if f.CheckpointID != "" {
		clauses = append(clauses, "checkpoint_id=?")
		args = append(args, f.CheckpointID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM quality_issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QualityIssue
	for rows.Next() {
		qi, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, qi)
	}
	return res, rows.Err()
}
