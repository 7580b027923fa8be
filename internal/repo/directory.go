package repo

import (
	"context"
	"database/sql"

	"castline/internal/domain"
)

// The user/team directory backs assignment validation. The workflow only
// needs existence and membership checks plus display-name resolution.

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, nullable(u.Role), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	var role sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if role.Valid {
		u.Role = role.String
	}
	return u, err
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	var t domain.Team
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) AddTeamMember(ctx context.Context, tx *sql.Tx, teamID, userID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO team_members(team_id,user_id) VALUES (?,?)`, teamID, userID)
	return err
}

// IsTeamMember reports whether the user belongs to the team.
func (r Repo) IsTeamMember(ctx context.Context, tx *sql.Tx, teamID, userID string) (bool, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT 1 FROM team_members WHERE team_id=? AND user_id=? LIMIT 1`, teamID, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}
