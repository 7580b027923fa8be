package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"castline/internal/config"
	"castline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// q returns the transaction when present, the pool otherwise. Reads inside a
// workflow operation must observe the operation's own staged writes, so every
// accessor takes the tx when one is open.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,status,actual_start_date,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullableStringPtr(p.ActualStartDate), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	var start sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,status,actual_start_date,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &start, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if start.Valid {
		p.ActualStartDate = &start.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,actual_start_date,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var start sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &start, &p.CreatedAt); err != nil {
			return nil, err
		}
		if start.Valid {
			p.ActualStartDate = &start.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectActualStart(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET actual_start_date=? WHERE id=? AND actual_start_date IS NULL`, ts, id)
	return err
}

// --- boxes ---

func scanBox(scan func(dest ...any) error) (domain.Box, error) {
	var b domain.Box
	var start, end sql.NullString
	var dispatched int
	err := scan(&b.ID, &b.ProjectID, &b.Name, &b.Status, &b.ProgressPercentage, &start, &end, &dispatched, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if start.Valid {
		b.ActualStartDate = &start.String
	}
	if end.Valid {
		b.ActualEndDate = &end.String
	}
	b.Dispatched = dispatched != 0
	return b, nil
}

const boxColumns = `id,project_id,name,status,progress_percentage,actual_start_date,actual_end_date,dispatched,created_at`

func (r Repo) InsertBox(ctx context.Context, tx *sql.Tx, b domain.Box) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO boxes(`+boxColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.Name, b.Status, b.ProgressPercentage, nullableStringPtr(b.ActualStartDate), nullableStringPtr(b.ActualEndDate), boolToInt(b.Dispatched), b.CreatedAt)
	return err
}

func (r Repo) GetBox(ctx context.Context, tx *sql.Tx, id string) (domain.Box, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+boxColumns+` FROM boxes WHERE id=?`, id)
	return scanBox(row.Scan)
}

func (r Repo) ListBoxes(ctx context.Context, projectID string) ([]domain.Box, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+boxColumns+` FROM boxes WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Box
	for rows.Next() {
		b, err := scanBox(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpdateBox(ctx context.Context, tx *sql.Tx, b domain.Box) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE boxes SET status=?, progress_percentage=?, actual_start_date=?, actual_end_date=?, dispatched=? WHERE id=?`,
		b.Status, b.ProgressPercentage, nullableStringPtr(b.ActualStartDate), nullableStringPtr(b.ActualEndDate), boolToInt(b.Dispatched), b.ID)
	return err
}

// --- activities ---

const activityColumns = `id,box_id,name,status,progress_percentage,actual_start_date,actual_end_date,is_wir_checkpoint,team_id,member_id,active,created_at,updated_at`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var start, end, teamID, memberID sql.NullString
	var isWIR, active int
	err := scan(&a.ID, &a.BoxID, &a.Name, &a.Status, &a.ProgressPercentage, &start, &end, &isWIR, &teamID, &memberID, &active, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if start.Valid {
		a.ActualStartDate = &start.String
	}
	if end.Valid {
		a.ActualEndDate = &end.String
	}
	if teamID.Valid {
		a.TeamID = &teamID.String
	}
	if memberID.Valid {
		a.MemberID = &memberID.String
	}
	a.IsWIRCheckpoint = isWIR != 0
	a.Active = active != 0
	return a, nil
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO activities(`+activityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.BoxID, a.Name, a.Status, a.ProgressPercentage, nullableStringPtr(a.ActualStartDate), nullableStringPtr(a.ActualEndDate),
		boolToInt(a.IsWIRCheckpoint), nullableStringPtr(a.TeamID), nullableStringPtr(a.MemberID), boolToInt(a.Active), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

func (r Repo) UpdateActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE activities SET name=?, status=?, progress_percentage=?, actual_start_date=?, actual_end_date=?, team_id=?, member_id=?, active=?, updated_at=? WHERE id=?`,
		a.Name, a.Status, a.ProgressPercentage, nullableStringPtr(a.ActualStartDate), nullableStringPtr(a.ActualEndDate),
		nullableStringPtr(a.TeamID), nullableStringPtr(a.MemberID), boolToInt(a.Active), a.UpdatedAt, a.ID)
	return err
}

// ListActiveActivities returns the box's active activities, the input set for
// a cascade recompute.
func (r Repo) ListActiveActivities(ctx context.Context, tx *sql.Tx, boxID string) ([]domain.Activity, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE box_id=? AND active=1 ORDER BY created_at ASC, id ASC`, boxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActivities(ctx context.Context, boxID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE box_id=? ORDER BY created_at ASC, id ASC`, boxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- audit ---

type AuditFilters struct {
	TableName string
	RecordID  string
	ActorID   string
	Limit     int
	Cursor    int64
}

func (r Repo) ListAuditRecords(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TableName != "" {
		clauses = append(clauses, "table_name=?")
		args = append(args, f.TableName)
	}
	if f.RecordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,table_name,record_id,action,changes_json,actor_id,ts,description FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var changes, desc sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TableName, &rec.RecordID, &rec.Action, &changes, &rec.ActorID, &rec.TS, &desc); err != nil {
			return nil, err
		}
		if changes.Valid {
			rec.ChangesJSON = changes.String
		}
		if desc.Valid {
			rec.Description = desc.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
