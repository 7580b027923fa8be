package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"castline/internal/audit"
	"castline/internal/config"
	"castline/internal/domain"
	"castline/internal/engine/policy"
	"castline/internal/repo"
)

// Engine owns the inspection workflow: checkpoint lifecycle, checklist
// management, quality issues and the activity/box/project status cascade.
// Every mutating operation runs in one transaction; the commit is the
// atomicity boundary for the whole operation including its audit record.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Recorder
	Gate   policy.Gate
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Recorder{DB: db},
		Gate:   policy.FromConfig(cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// recorder binds the engine clock to the audit recorder so audit timestamps
// match the mutation they describe.
func (e Engine) recorder() audit.Recorder {
	r := e.Audit
	if r.Now == nil {
		r.Now = e.Now
	}
	return r
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// activityScope loads an activity together with its box and project and
// checks the mutation preconditions (project open, box not dispatched).
func (e Engine) activityScope(ctx context.Context, tx *sql.Tx, activityID string) (domain.Activity, domain.Box, domain.Project, error) {
	act, err := e.Repo.GetActivity(ctx, tx, activityID)
	if err != nil {
		return act, domain.Box{}, domain.Project{}, wrap(err, "activity", activityID)
	}
	box, err := e.Repo.GetBox(ctx, tx, act.BoxID)
	if err != nil {
		return act, box, domain.Project{}, wrap(err, "box", act.BoxID)
	}
	project, err := e.Repo.GetProject(ctx, tx, box.ProjectID)
	if err != nil {
		return act, box, project, wrap(err, "project", box.ProjectID)
	}
	if err := e.Gate.RequireProjectOpen(project); err != nil {
		return act, box, project, wrap(err, "project", project.ID)
	}
	if err := e.Gate.RequireBoxMutable(box); err != nil {
		return act, box, project, wrap(err, "box", box.ID)
	}
	return act, box, project, nil
}

type ProjectInit struct {
	ID     string
	Name   string
	Config *config.Config
}

// InitProject creates a project, stores its config and seeds the predefined
// checklist catalog from it.
func (e Engine) InitProject(ctx context.Context, in ProjectInit, identity domain.Identity) (domain.Project, error) {
	if in.Name == "" {
		return domain.Project{}, validationf(nil, "project name required")
	}
	cfg := in.Config
	p := domain.Project{
		ID:        newID(in.ID),
		Name:      in.Name,
		Status:    domain.StatusActive,
		CreatedAt: e.nowStr(),
	}
	if cfg == nil {
		cfg = config.Default(p.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistence(err, "insert project")
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, persistence(err, "store project config")
	}
	if err := e.seedCatalog(ctx, tx, cfg); err != nil {
		return domain.Project{}, err
	}
	if err := e.recorder().Record(ctx, tx, "projects", p.ID, "create", identity.ActorID,
		fmt.Sprintf("project %s initialized", p.Name), nil); err != nil {
		return domain.Project{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistence(err, "commit")
	}
	return p, nil
}

// SeedCatalog upserts the config's predefined inspection points. Existing
// entries are overwritten so repeated syncs converge on the config.
func (e Engine) SeedCatalog(ctx context.Context, cfg *config.Config, identity domain.Identity) error {
	if cfg == nil {
		cfg = e.Config
	}
	if cfg == nil {
		return validationf(nil, "no config to seed catalog from")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.seedCatalog(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.recorder().Record(ctx, tx, "catalog_items", cfg.Project.ID, "seed", identity.ActorID,
		fmt.Sprintf("%d catalog entries synced", len(cfg.Checklist.Catalog)), nil); err != nil {
		return persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return persistence(err, "commit")
	}
	return nil
}

func (e Engine) seedCatalog(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	for _, entry := range cfg.Checklist.Catalog {
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		item := domain.CatalogItem{
			ID:                entry.ID,
			Description:       entry.Description,
			ReferenceDocument: optionalString(entry.ReferenceDocument),
			Sequence:          entry.Sequence,
			Active:            active,
		}
		if err := e.Repo.UpsertCatalogItem(ctx, tx, item); err != nil {
			return persistence(err, "seed catalog item "+entry.ID)
		}
	}
	return nil
}

type BoxCreate struct {
	ID   string
	Name string
}

func (e Engine) CreateBox(ctx context.Context, projectID string, in BoxCreate, identity domain.Identity) (domain.Box, error) {
	if in.Name == "" {
		return domain.Box{}, validationf(nil, "box name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Box{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	project, err := e.Repo.GetProject(ctx, tx, projectID)
	if err != nil {
		return domain.Box{}, wrap(err, "project", projectID)
	}
	if err := e.Gate.RequireProjectOpen(project); err != nil {
		return domain.Box{}, wrap(err, "project", projectID)
	}
	b := domain.Box{
		ID:        newID(in.ID),
		ProjectID: projectID,
		Name:      in.Name,
		Status:    domain.StatusNotStarted,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertBox(ctx, tx, b); err != nil {
		return domain.Box{}, persistence(err, "insert box")
	}
	if err := e.recorder().Record(ctx, tx, "boxes", b.ID, "create", identity.ActorID,
		fmt.Sprintf("box %s added to project %s", b.Name, project.Name), nil); err != nil {
		return domain.Box{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.Box{}, persistence(err, "commit")
	}
	return b, nil
}

type ActivityCreate struct {
	ID              string
	Name            string
	IsWIRCheckpoint bool
	TeamID          string
	MemberID        string
}

func (e Engine) CreateActivity(ctx context.Context, boxID string, in ActivityCreate, identity domain.Identity) (domain.Activity, error) {
	if in.Name == "" {
		return domain.Activity{}, validationf(nil, "activity name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	box, err := e.Repo.GetBox(ctx, tx, boxID)
	if err != nil {
		return domain.Activity{}, wrap(err, "box", boxID)
	}
	project, err := e.Repo.GetProject(ctx, tx, box.ProjectID)
	if err != nil {
		return domain.Activity{}, wrap(err, "project", box.ProjectID)
	}
	if err := e.Gate.RequireProjectOpen(project); err != nil {
		return domain.Activity{}, wrap(err, "project", project.ID)
	}
	if err := e.Gate.RequireBoxMutable(box); err != nil {
		return domain.Activity{}, wrap(err, "box", box.ID)
	}
	now := e.nowStr()
	a := domain.Activity{
		ID:              newID(in.ID),
		BoxID:           boxID,
		Name:            in.Name,
		Status:          domain.StatusNotStarted,
		IsWIRCheckpoint: in.IsWIRCheckpoint,
		TeamID:          optionalString(in.TeamID),
		MemberID:        optionalString(in.MemberID),
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, persistence(err, "insert activity")
	}
	if err := e.recorder().Record(ctx, tx, "activities", a.ID, "create", identity.ActorID,
		fmt.Sprintf("activity %s added to box %s", a.Name, box.Name), nil); err != nil {
		return domain.Activity{}, persistence(err, "audit")
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, persistence(err, "commit")
	}
	return a, nil
}

// DeactivateActivity soft-deletes an activity so it no longer participates in
// box progress recomputes. The box is recomputed in the same transaction.
func (e Engine) DeactivateActivity(ctx context.Context, activityID string, identity domain.Identity) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, persistence(err, "begin")
	}
	defer tx.Rollback()
	act, _, _, err := e.activityScope(ctx, tx, activityID)
	if err != nil {
		return domain.Activity{}, err
	}
	if !act.Active {
		return act, nil
	}
	act.Active = false
	act.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateActivity(ctx, tx, act); err != nil {
		return domain.Activity{}, persistence(err, "update activity")
	}
	if err := e.recorder().Record(ctx, tx, "activities", act.ID, "deactivate", identity.ActorID,
		fmt.Sprintf("activity %s deactivated", act.Name),
		audit.Change(nil, "active", true, false)); err != nil {
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

// CreateUser registers a directory user for assignment validation.
func (e Engine) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Name == "" {
		return u, validationf(nil, "user name required")
	}
	u.ID = newID(u.ID)
	if u.CreatedAt == "" {
		u.CreatedAt = e.nowStr()
	}
	if err := e.Repo.InsertUser(ctx, nil, u); err != nil {
		return u, persistence(err, "insert user")
	}
	return u, nil
}

// CreateTeam registers a team and optional initial members.
func (e Engine) CreateTeam(ctx context.Context, t domain.Team, memberIDs []string) (domain.Team, error) {
	if t.Name == "" {
		return t, validationf(nil, "team name required")
	}
	t.ID = newID(t.ID)
	if t.CreatedAt == "" {
		t.CreatedAt = e.nowStr()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, persistence(err, "begin")
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return t, persistence(err, "insert team")
	}
	for _, userID := range memberIDs {
		if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
			return t, wrap(err, "user", userID)
		}
		if err := e.Repo.AddTeamMember(ctx, tx, t.ID, userID); err != nil {
			return t, persistence(err, "add team member")
		}
	}
	if err := tx.Commit(); err != nil {
		return t, persistence(err, "commit")
	}
	return t, nil
}

// AddTeamMember links an existing user to an existing team.
func (e Engine) AddTeamMember(ctx context.Context, teamID, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistence(err, "begin")
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTeam(ctx, tx, teamID); err != nil {
		return wrap(err, "team", teamID)
	}
	if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
		return wrap(err, "user", userID)
	}
	if err := e.Repo.AddTeamMember(ctx, tx, teamID, userID); err != nil {
		return persistence(err, "add team member")
	}
	if err := tx.Commit(); err != nil {
		return persistence(err, "commit")
	}
	return nil
}
